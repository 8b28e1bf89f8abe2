package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/middleware"
)

var (
	tokenUser uint
	tokenTTL  time.Duration
)

func init() {
	tokenCmd.Flags().UintVar(&tokenUser, "user", 0, "user id to issue the token for")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development access token signed with JWT_SECRET",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			return errors.New("JWT_SECRET is required")
		}
		if tokenUser == 0 {
			return errors.New("--user is required")
		}
		tok, err := middleware.IssueToken(secret, tokenUser, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}
