package editorservice

import (
	"errors"
	"fmt"
)

// Sentinel errors for the editorservice package.
var (
	// ErrDisposed is returned by every call made after Kill or Shutdown.
	ErrDisposed = errors.New("editor service disposed")

	// ErrCancelled is returned to requests that were still queued or in
	// flight when the service was torn down.
	ErrCancelled = errors.New("request cancelled")

	// ErrProcessExited is returned to requests in flight when the
	// formatter process went away.
	ErrProcessExited = errors.New("formatter process exited while the request was in progress")

	// ErrConnectionFailed is returned once the connection broke too many
	// times in a row.
	ErrConnectionFailed = errors.New("formatter connection failed too many times")
)

// SchemaError reports a schema version this client cannot speak.
type SchemaError struct {
	Version int
}

// TooNew reports whether the formatter is newer than the client.
func (e *SchemaError) TooNew() bool {
	return e.Version > int(MaxSchema)
}

func (e *SchemaError) Error() string {
	if e.TooNew() {
		return fmt.Sprintf("formatter speaks editor schema %d: please upgrade fmtbridge to a version compatible with the installed formatter", e.Version)
	}
	return fmt.Sprintf("formatter speaks editor schema %d: the installed formatter is out of date, please update it", e.Version)
}

// FormatError carries an error message reported by the formatter. It is a
// normal failure and never retried.
type FormatError struct {
	Path    string
	Message string
}

func (e *FormatError) Error() string {
	return e.Message
}
