// Package failure separates per-item errors, which are logged and counted,
// from fatal errors, which abort a run.
package failure

import (
	"errors"
	"fmt"
)

// Kind names the class of a recoverable failure.
type Kind string

const (
	KindSyntax     Kind = "syntax"
	KindEncoding   Kind = "encoding"
	KindIO         Kind = "io"
	KindOversize   Kind = "oversize"
	KindInvalid    Kind = "invalid"
	KindBatch      Kind = "batch"
	KindPermission Kind = "permission"
)

// Recoverable is an error confined to one item: a file, a record or a batch.
type Recoverable struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Recoverable) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Recoverable) Unwrap() error { return e.Err }

// Recover wraps err as a recoverable failure of kind k for path.
func Recover(k Kind, path string, err error) *Recoverable {
	return &Recoverable{Kind: k, Path: path, Err: err}
}

// Recoverf builds a recoverable failure from a format string.
func Recoverf(k Kind, path, format string, args ...any) *Recoverable {
	return &Recoverable{Kind: k, Path: path, Err: fmt.Errorf(format, args...)}
}

// Fatal aborts the run: authentication, exhausted connection retries or any
// error in the load phase.
type Fatal struct {
	Op  string
	Err error
}

func (e *Fatal) Error() string { return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err) }
func (e *Fatal) Unwrap() error { return e.Err }

// AsFatal wraps err as fatal for op. A nil err stays nil.
func AsFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Fatal
	if errors.As(err, &f) {
		return err
	}
	return &Fatal{Op: op, Err: err}
}

// IsFatal reports whether err carries a Fatal anywhere in its chain.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}

// IsRecoverable reports whether err carries a Recoverable and no Fatal.
func IsRecoverable(err error) bool {
	if IsFatal(err) {
		return false
	}
	var r *Recoverable
	return errors.As(err, &r)
}

// KindOf returns the kind of the first Recoverable in err's chain, or
// "unknown".
func KindOf(err error) Kind {
	var r *Recoverable
	if errors.As(err, &r) {
		return r.Kind
	}
	return "unknown"
}
