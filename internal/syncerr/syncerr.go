// Package syncerr defines the error kinds raised while consuming delta files.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a pipeline failure.
type Kind string

const (
	// KindFetch means the delta file listing was unreachable or not successful.
	KindFetch Kind = "fetch"
	// KindParse means a listing or delta payload was malformed.
	KindParse Kind = "parse"
	// KindDownload means a delta file or document transfer failed.
	KindDownload Kind = "download"
	// KindApply means the triple store rejected a write.
	KindApply Kind = "apply"
	// KindConflict means a run was requested while another one is running.
	KindConflict Kind = "conflict"
)

// Error carries the kind of a failure, the operation and the resource it
// concerned.
type Error struct {
	Kind Kind
	Op   string
	Ref  string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Op
	if e.Ref != "" {
		msg += " " + e.Ref
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func Fetch(op, ref string, err error) *Error {
	return &Error{Kind: KindFetch, Op: op, Ref: ref, Err: err}
}

func Parse(op, ref string, err error) *Error {
	return &Error{Kind: KindParse, Op: op, Ref: ref, Err: err}
}

func Download(op, ref string, err error) *Error {
	return &Error{Kind: KindDownload, Op: op, Ref: ref, Err: err}
}

func Apply(op, ref string, err error) *Error {
	return &Error{Kind: KindApply, Op: op, Ref: ref, Err: err}
}

// Conflict reports that runningID is still running.
func Conflict(runningID string) *Error {
	return &Error{Kind: KindConflict, Op: "run", Ref: runningID, Err: errors.New("a sync task is already running")}
}

// Status builds an error for a non-success HTTP response.
func Status(code int, body string) error {
	if body == "" {
		return fmt.Errorf("unexpected status %d", code)
	}
	return fmt.Errorf("unexpected status %d: %s", code, body)
}
