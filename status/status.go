// Package status defines the closed set of outcomes surfaced to RPC callers
// and the classifier that maps arbitrary internal failures onto that set.
//
// Handlers should return errors built with New, Errorf or Wrap whenever the
// outcome is known. Classify honors that explicit kind first and only falls
// back to inspecting the error text when nothing explicit is attached.
package status

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is a classified call outcome.
type Kind int

const (
	// OK is the zero value and means no error occurred.
	OK Kind = iota
	// InvalidArgument indicates the caller supplied invalid input.
	InvalidArgument
	// NotFound indicates the addressed entity does not exist for the caller.
	NotFound
	// Unauthenticated indicates missing, malformed, invalid or expired credentials.
	Unauthenticated
	// Internal covers everything unexpected.
	Internal
)

var kindNames = map[Kind]string{
	OK:              "OK",
	InvalidArgument: "INVALID_ARGUMENT",
	NotFound:        "NOT_FOUND",
	Unauthenticated: "UNAUTHENTICATED",
	Internal:        "INTERNAL",
}

// String returns the stable wire code of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, ok := ParseKind(string(b))
	if !ok {
		return fmt.Errorf("unknown status kind %q", string(b))
	}
	*k = parsed
	return nil
}

// ParseKind parses a wire code back into a Kind.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, true
		}
	}
	return OK, false
}

// HTTPStatus maps the kind onto the HTTP status used by the transport.
func (k Kind) HTTPStatus() int {
	switch k {
	case OK:
		return http.StatusOK
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Unauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error carrying an explicit Kind. Explicit kinds always win
// over keyword classification.
type Error struct {
	Kind    Kind
	Message string
	// Err is an optional cause. It is never exposed to callers.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error with an explicit kind.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Errorf returns an error with an explicit kind and a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an explicit kind and caller-facing message to cause.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: cause}
}

// FromError extracts the first explicitly classified error in err's chain.
func FromError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
