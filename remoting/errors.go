package remoting

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a RemotingError, per the five failure categories a
// call across the wire can surface.
type ErrorKind int

const (
	// UnsupportedOperation is returned when a caller asks for something the
	// protocol has no representation for (e.g. marshalling a type that is
	// neither serializable nor a supported proxy shape).
	UnsupportedOperation ErrorKind = iota
	// ProxyManagementError covers instance-manager failures: an ObjectId the
	// local side never issued, a double-release, a dangling weak reference.
	ProxyManagementError
	// ProtocolError covers malformed or out-of-sequence wire data: a tag
	// outside RemotingReferenceType's range, a reply Sequence with no
	// matching call slot, a frame that ends mid-argument.
	ProtocolError
	// SerializationFailure covers a SerializedItem payload the value codec
	// could not encode or decode, including non-serializable elements nested
	// inside an otherwise-supported container. The client interceptor also
	// reports every ExceptionReturn reply under this kind: the reply carries
	// only the remote error's message text, not its kind.
	SerializationFailure
	// ConnectionLost covers anything downstream of the transport failing:
	// read/write errors, a peer that closed mid-call, a bootstrap handshake
	// that never completed.
	ConnectionLost
)

func (k ErrorKind) String() string {
	switch k {
	case UnsupportedOperation:
		return "UnsupportedOperation"
	case ProxyManagementError:
		return "ProxyManagementError"
	case ProtocolError:
		return "ProtocolError"
	case SerializationFailure:
		return "SerializationFailure"
	case ConnectionLost:
		return "ConnectionLost"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// RemotingError is the single error type every CORE component returns, so
// callers can classify a failure with errors.As without string-matching
// messages.
type RemotingError struct {
	Kind    ErrorKind
	Message string
	Wrapped error
}

func (e *RemotingError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RemotingError) Unwrap() error { return e.Wrapped }

// Is lets errors.Is(err, &RemotingError{Kind: UnsupportedOperation}) read
// naturally: two RemotingErrors match if they share a Kind.
func (e *RemotingError) Is(target error) bool {
	var other *RemotingError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// newErr builds a RemotingError of the given kind, formatting Message like
// fmt.Sprintf and wrapping wrapped (which may be nil).
func newErr(kind ErrorKind, wrapped error, format string, args ...interface{}) *RemotingError {
	return &RemotingError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Wrapped: wrapped,
	}
}

// KindOf reports the ErrorKind of err, and whether err is a *RemotingError
// at all (or wraps one).
func KindOf(err error) (ErrorKind, bool) {
	var re *RemotingError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}
