package database

import (
	"errors"
	"fmt"
	"regexp"
)

// Error should be used for errors involving statements ran against the store.
type Error struct {
	// Query is the statement that failed
	Query []byte

	// Err is a useful/helping error message for humans
	Err string

	// OrigErr is the underlying error
	OrigErr error
}

func (e Error) Error() string {
	if len(e.Err) == 0 {
		return fmt.Sprintf("%v: %s", e.OrigErr, e.Query)
	}
	return fmt.Sprintf("%v: %s (details: %v)", e.Err, e.Query, e.OrigErr)
}

func (e Error) Unwrap() error {
	return e.OrigErr
}

var (
	quotedKVRegex  = regexp.MustCompile(`password='[^']*'`)
	plainKVRegex   = regexp.MustCompile(`password=[^ ]*`)
	brokenURLRegex = regexp.MustCompile(`:[^:@]+?@`)
)

// RedactPassword strips credentials from connection errors before they are
// logged or recorded in the ledger.
func RedactPassword(err error) error {
	input := err.Error()

	hasPassword := quotedKVRegex.MatchString(input) || plainKVRegex.MatchString(input) || brokenURLRegex.MatchString(input)

	if !hasPassword {
		return err
	}
	input = quotedKVRegex.ReplaceAllLiteralString(input, "password=xxxxx")
	input = plainKVRegex.ReplaceAllLiteralString(input, "password=xxxxx")
	input = brokenURLRegex.ReplaceAllLiteralString(input, ":xxxxxx@")

	return errors.New(input)
}
