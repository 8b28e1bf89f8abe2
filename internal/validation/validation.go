// Package validation cleans message content and validates request payloads.
package validation

import (
	"errors"
	"fmt"
	"html"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
)

// MaxTokenLength bounds client idempotency tokens.
const MaxTokenLength = 64

var (
	strict   = bluemonday.StrictPolicy()
	validate = validator.New(validator.WithRequiredStructEnabled())
)

func init() {
	// Report fields by their JSON name so codes read "invalid_thread_id".
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
}

// SanitizeContent strips all markup, leaving plain text.
func SanitizeContent(s string) string {
	return html.UnescapeString(strict.Sanitize(s))
}

// NormalizeContent trims surrounding space, unifies line endings and drops
// control characters other than newline and tab.
func NormalizeContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// PrepareContent sanitises and normalises content and checks it against
// maxLen runes. maxLen <= 0 disables the length check.
func PrepareContent(s string, maxLen int) (string, error) {
	out := NormalizeContent(SanitizeContent(s))
	if out == "" {
		return "", apperr.Validation("empty_content", "message content is empty")
	}
	if n := utf8.RuneCountInString(out); maxLen > 0 && n > maxLen {
		return "", apperr.Validation("content_too_long", "message is %d characters, limit is %d", n, maxLen)
	}
	return out, nil
}

// ValidateToken checks a client idempotency token.
func ValidateToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return apperr.Validation("missing_token", "idempotency token is required")
	}
	if len(token) > MaxTokenLength {
		return apperr.Validation("invalid_token", "idempotency token exceeds %d bytes", MaxTokenLength)
	}
	return nil
}

// Struct validates v's `validate` tags and reports the first failing field.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return apperr.Validation("invalid_"+strings.ToLower(fe.Field()), "%s", describe(fe))
	}
	return apperr.Validation("invalid_request", "%s", err.Error())
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}
