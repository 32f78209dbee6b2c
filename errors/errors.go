// Package errors classifies pipeline failures by kind so the driver can
// decide between dropping a frame, retrying, or shutting the stream down.
package errors

import (
	goerrors "errors"
	"fmt"
)

// Kind is the failure class of an Error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration covers invalid or unsupported settings. Always fatal.
	KindConfiguration
	// KindSource covers capture device failures. Always fatal.
	KindSource
	// KindCodec covers decoder, converter and encoder failures.
	KindCodec
	// KindTransport covers output and network failures.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindSource:
		return "source"
	case KindCodec:
		return "codec"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

// Reason refines a source failure.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonUnavailable means the device could not be opened.
	ReasonUnavailable
	// ReasonDisconnected means the device stopped producing mid-stream.
	ReasonDisconnected
)

func (r Reason) String() string {
	switch r {
	case ReasonUnavailable:
		return "unavailable"
	case ReasonDisconnected:
		return "disconnected"
	}
	return ""
}

// AcceptableError is an error that may be tolerated depending on the
// underlying failure.
type AcceptableError interface {
	error

	// Acceptable returns whether the error is acceptable
	Acceptable() bool
}

// Error is a classified pipeline error.
type Error struct {
	Kind   Kind
	Reason Reason
	// Op names the operation that failed, e.g. "encode" or "write_packet".
	Op  string
	Err error

	acceptable bool
}

func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Reason != ReasonNone {
		prefix += " " + e.Reason.String()
	}
	if e.Op != "" {
		prefix += " " + e.Op
	}
	if e.Err == nil {
		return prefix + " error"
	}
	return prefix + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Acceptable returns whether the error is acceptable. Per-frame codec errors
// and transient transport errors are; everything else ends the stream.
func (e *Error) Acceptable() bool {
	return e.acceptable
}

func Configuration(op string, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

func SourceUnavailable(op string, err error) *Error {
	return &Error{Kind: KindSource, Reason: ReasonUnavailable, Op: op, Err: err}
}

func SourceDisconnected(op string, err error) *Error {
	return &Error{Kind: KindSource, Reason: ReasonDisconnected, Op: op, Err: err}
}

// Codec returns a recoverable codec error. The frame that caused it is dropped.
func Codec(op string, err error) *Error {
	return &Error{Kind: KindCodec, Op: op, Err: err, acceptable: true}
}

// CodecFatal returns a codec error that cannot be recovered from.
func CodecFatal(op string, err error) *Error {
	return &Error{Kind: KindCodec, Op: op, Err: err}
}

// TransportTransient returns a transport error that may succeed on retry.
func TransportTransient(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err, acceptable: true}
}

func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if goerrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err's chain holds a classified error of kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsAcceptable reports whether err's chain holds an acceptable error.
func IsAcceptable(err error) bool {
	var ae AcceptableError
	if goerrors.As(err, &ae) {
		return ae.Acceptable()
	}
	return false
}

// ReasonOf returns the source failure reason of err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if goerrors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}
