package votefacility

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind tells how far an error is allowed to travel: a configuration error
// stops the process, a protocol error ends one session and a storage error
// fails one vote transaction (or the startup).
type Kind int

const (
	// KindUnknown is used for errors that were wrapped without a kind.
	KindUnknown Kind = iota
	// KindConfiguration is used when the facility cannot start.
	KindConfiguration
	// KindProtocol is used when a peer breaks the wire protocol.
	KindProtocol
	// KindStorage is used when a durable file cannot be read or written.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindProtocol:
		return "protocol"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is a wrapper around a standard error that allows to print the stack
// trace from the call of the constructor, and remembers the kind of failure.
type Error struct {
	kind  Kind
	err   error
	msg   string
	frame xerrors.Frame
}

// ErrorOrNil returns the error if any with the stack trace beginning at the
// call of the function.
func ErrorOrNil(err error, msg string) error {
	return ErrorOrNilSkip(err, msg, 1)
}

// ErrorOrNilSkip returns the error if any with the stack trace beginning at
// the call of the skip-nth caller.
func ErrorOrNilSkip(err error, msg string, skip int) error {
	return newError(KindUnknown, err, msg, skip+1)
}

// WrapError returns a wrapper of the error so it can be used for comparison.
func WrapError(err error) error {
	return ErrorOrNilSkip(err, "", 2)
}

// ConfigurationError wraps err as a fatal startup failure.
func ConfigurationError(err error, msg string) error {
	return newError(KindConfiguration, err, msg, 2)
}

// ProtocolError wraps err as a failure confined to one session.
func ProtocolError(err error, msg string) error {
	return newError(KindProtocol, err, msg, 2)
}

// StorageError wraps err as a failure of the durable files.
func StorageError(err error, msg string) error {
	return newError(KindStorage, err, msg, 2)
}

func newError(kind Kind, err error, msg string, skip int) error {
	if err == nil {
		return nil
	}
	return &Error{
		kind:  kind,
		err:   err,
		msg:   msg,
		frame: xerrors.Caller(skip),
	}
}

// KindOf returns the kind of the outermost Error in the chain that has one.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !xerrors.As(err, &e) {
			return KindUnknown
		}
		if e.kind != KindUnknown {
			return e.kind
		}
		err = e.err
	}
	return KindUnknown
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg + ": " + fmt.Sprintf("%v", e.err)
	}
	return fmt.Sprintf("%v", e.err)
}

// Unwrap returns the next error in the chain.
func (e *Error) Unwrap() error {
	return e.err
}

// Format prints the error to the formatter.
func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

// FormatError prints the error to the printer. It prints the stack trace
// when the '+' is used in combination with 'v'.
func (e *Error) FormatError(p xerrors.Printer) error {
	if e.msg != "" {
		p.Printf("%s: %v", e.msg, e.err)
	} else {
		p.Printf("%v", e.err)
	}

	if p.Detail() {
		e.frame.Format(p)
		p.Printf("%+v", e.err)
	}
	return nil
}
