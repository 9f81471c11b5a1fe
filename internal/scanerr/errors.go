package scanerr

import (
	"errors"
	"fmt"
)

// Kind classifies why a connection scan could not complete.
type Kind string

const (
	KindUnsupportedVersion    Kind = "unsupported_version"
	KindProtocol              Kind = "protocol_error"
	KindUnsupportedCapability Kind = "unsupported_capability"
	KindTransport             Kind = "transport_error"
)

type scanError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *scanError) Error() string {
	switch {
	case e.msg != "" && e.cause != nil:
		return e.msg + ": " + e.cause.Error()
	case e.msg != "":
		return e.msg
	case e.cause != nil:
		return e.cause.Error()
	default:
		return string(e.kind)
	}
}

func (e *scanError) Unwrap() error {
	return e.cause
}

func New(kind Kind, format string, args ...interface{}) error {
	return &scanError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to cause. A nil cause yields nil.
func Wrap(cause error, kind Kind, msg string) error {
	if cause == nil {
		return nil
	}
	return &scanError{kind: kind, msg: msg, cause: cause}
}

// KindOf returns the outermost kind found in the chain, or "" when the error
// was never classified.
func KindOf(err error) Kind {
	var classified *scanError
	if errors.As(err, &classified) {
		return classified.kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
