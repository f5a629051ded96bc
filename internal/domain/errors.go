package domain

import (
	"errors"
	"fmt"
)

// Kind classifies protocol errors. Router-detected kinds travel to the
// sender as the code of an error frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindValidation
	KindRouting
	KindPolicy
	KindDecryption
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindAuthentication: "authentication",
	KindValidation:     "validation",
	KindRouting:        "routing",
	KindPolicy:         "policy",
	KindDecryption:     "decryption",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String. Unknown names map to KindUnknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Sentinels for errors.Is; any *Error of the same kind matches.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication, Message: "authentication failed"}
	ErrValidation     = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrRouting        = &Error{Kind: KindRouting, Message: "routing failed"}
	ErrPolicy         = &Error{Kind: KindPolicy, Message: "policy violation"}
	ErrDecryption     = &Error{Kind: KindDecryption, Message: "decryption failed"}
)

// ErrTargetUnavailable is the single answer for a target that is offline,
// unknown or owned by someone else.
var ErrTargetUnavailable = &Error{Kind: KindRouting, Message: "target not found or offline"}

// Error is a classified protocol error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it reachable through errors.Unwrap.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
