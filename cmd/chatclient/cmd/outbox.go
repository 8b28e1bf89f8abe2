package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/outbox"
)

func init() {
	rootCmd.AddCommand(sendCmd, flushCmd, runCmd, listCmd, retryCmd, discardCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send [thread-id] [message...]",
	Short: "Queue a message and try to deliver it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil || threadID == 0 {
			return fmt.Errorf("invalid thread id %q", args[0])
		}

		ob, closeFn, err := openOutbox(outbox.Config{OnSettled: printSettled})
		if err != nil {
			return err
		}
		defer closeFn()

		entry, err := ob.Enqueue(uint(threadID), strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if _, err := ob.Flush(cmd.Context()); err != nil {
			return err
		}
		return printEntry(ob, entry.Token)
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Attempt every due message once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ob, closeFn, err := openOutbox(outbox.Config{})
		if err != nil {
			return err
		}
		defer closeFn()

		if err := ob.Reconnected(); err != nil {
			return err
		}
		n, err := ob.Flush(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Delivered %d message(s)\n", n)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Deliver queued messages until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := outbox.Config{
			OnSettled: printSettled,
			OnFailed: func(e outbox.Entry) {
				fmt.Printf("failed %s: %s\n", e.Token, e.LastError)
			},
		}
		ob, closeFn, err := openOutbox(cfg)
		if err != nil {
			return err
		}
		defer closeFn()
		return ob.Run(cmd.Context())
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the outbox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ob, closeFn, err := openOutbox(outbox.Config{})
		if err != nil {
			return err
		}
		defer closeFn()

		entries, err := ob.Entries()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TOKEN\tTHREAD\tSTATUS\tATTEMPTS\tQUEUED\tNEXT RETRY\tERROR")
		for _, e := range entries {
			next := "-"
			if e.Status == outbox.StatusPending && !e.NextRetry.IsZero() {
				next = humanize.Time(e.NextRetry)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
				e.Token, e.ThreadID, e.Status, e.Attempts, humanize.Time(e.CreatedAt), next, e.LastError)
		}
		return w.Flush()
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [token]",
	Short: "Re-queue a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ob, closeFn, err := openOutbox(outbox.Config{OnSettled: printSettled})
		if err != nil {
			return err
		}
		defer closeFn()

		if err := ob.Retry(args[0]); err != nil {
			return err
		}
		if _, err := ob.Flush(cmd.Context()); err != nil {
			return err
		}
		return printEntry(ob, args[0])
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard [token]",
	Short: "Drop a message from the outbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ob, closeFn, err := openOutbox(outbox.Config{})
		if err != nil {
			return err
		}
		defer closeFn()
		return ob.Discard(args[0])
	},
}

func printSettled(e outbox.Entry) {
	fmt.Printf("%s sent as message %d (thread %d, seq %d)\n", e.Token, e.ServerID, e.ThreadID, e.ServerSeq)
}

// printEntry reports an entry that is still in the outbox. Settled entries
// are removed and already reported by printSettled.
func printEntry(ob *outbox.Outbox, tok string) error {
	entries, err := ob.Entries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Token != tok {
			continue
		}
		if e.Status == outbox.StatusFailed {
			fmt.Printf("%s failed: %s\n", e.Token, e.LastError)
		} else {
			fmt.Printf("%s %s, next attempt %s\n", e.Token, e.Status, humanize.Time(e.NextRetry))
		}
		return nil
	}
	return nil
}
