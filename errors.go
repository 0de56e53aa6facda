package mcpconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os/exec"
	"syscall"
)

// ErrorKind classifies failures of the connection core. The kind, not the message, decides
// whether a failure is retried by the Supervisor or surfaced immediately.
type ErrorKind int

// Error kinds.
const (
	KindUnknown ErrorKind = iota
	KindTransportNotFound
	KindPermissionDenied
	KindProtocolVersionMismatch
	KindHandshakeRejected
	KindCapabilityMismatch
	KindUnauthorized
	KindConnectionTimeout
	KindConnectionRefused
	KindProcessExited
	KindConnectionLost
	KindMalformedFrame
	KindSamplingUnavailable
	KindElicitationUnavailable
	KindRequestTimeout
	KindCancelled
	KindSessionNotReady
	KindRetriesExhausted
	KindInvalidConfig
)

// Error is the typed failure returned by transports, sessions and the manager.
type Error struct {
	Kind   ErrorKind
	Server string
	Op     string
	Err    error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrTransportNotFound       = &Error{Kind: KindTransportNotFound}
	ErrPermissionDenied        = &Error{Kind: KindPermissionDenied}
	ErrProtocolVersionMismatch = &Error{Kind: KindProtocolVersionMismatch}
	ErrHandshakeRejected       = &Error{Kind: KindHandshakeRejected}
	ErrCapabilityMismatch      = &Error{Kind: KindCapabilityMismatch}
	ErrUnauthorized            = &Error{Kind: KindUnauthorized}
	ErrConnectionTimeout       = &Error{Kind: KindConnectionTimeout}
	ErrConnectionRefused       = &Error{Kind: KindConnectionRefused}
	ErrProcessExited           = &Error{Kind: KindProcessExited}
	ErrConnectionLost          = &Error{Kind: KindConnectionLost}
	ErrMalformedFrame          = &Error{Kind: KindMalformedFrame}
	ErrSamplingUnavailable     = &Error{Kind: KindSamplingUnavailable}
	ErrElicitationUnavailable  = &Error{Kind: KindElicitationUnavailable}
	ErrRequestTimeout          = &Error{Kind: KindRequestTimeout}
	ErrCancelled               = &Error{Kind: KindCancelled}
	ErrSessionNotReady         = &Error{Kind: KindSessionNotReady}
	ErrRetriesExhausted        = &Error{Kind: KindRetriesExhausted}
	ErrInvalidConfig           = &Error{Kind: KindInvalidConfig}
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                 "Unknown",
	KindTransportNotFound:       "TransportNotFound",
	KindPermissionDenied:        "PermissionDenied",
	KindProtocolVersionMismatch: "ProtocolVersionMismatch",
	KindHandshakeRejected:       "HandshakeRejected",
	KindCapabilityMismatch:      "CapabilityMismatch",
	KindUnauthorized:            "Unauthorized",
	KindConnectionTimeout:       "ConnectionTimeout",
	KindConnectionRefused:       "ConnectionRefused",
	KindProcessExited:           "ProcessExited",
	KindConnectionLost:          "ConnectionLost",
	KindMalformedFrame:          "MalformedFrame",
	KindSamplingUnavailable:     "SamplingUnavailable",
	KindElicitationUnavailable:  "ElicitationUnavailable",
	KindRequestTimeout:          "RequestTimeout",
	KindCancelled:               "Cancelled",
	KindSessionNotReady:         "SessionNotReady",
	KindRetriesExhausted:        "RetriesExhausted",
	KindInvalidConfig:           "InvalidConfig",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Fatal reports whether errors of this kind must never be retried.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindTransportNotFound,
		KindPermissionDenied,
		KindProtocolVersionMismatch,
		KindHandshakeRejected,
		KindCapabilityMismatch,
		KindUnauthorized,
		KindRetriesExhausted,
		KindInvalidConfig:
		return true
	default:
		return false
	}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Server != "" {
		msg = e.Server + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind, so errors.Is(err, ErrRequestTimeout) holds for any
// request timeout regardless of server or operation.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Server == "" || t.Server == e.Server)
}

// KindOf returns the kind of the outermost *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must be surfaced without retry.
func IsFatal(err error) bool {
	return err != nil && KindOf(err).Fatal()
}

// IsRetryable reports whether the Supervisor may retry after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !KindOf(err).Fatal()
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// withServer stamps the server name on the outermost typed error, wrapping untyped
// errors as kind, so everything leaving a Session names its server.
func withServer(server string, kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Server == "" {
			cp := *e
			cp.Server = server
			return &cp
		}
		return err
	}
	return &Error{Kind: kind, Server: server, Op: op, Err: err}
}

// classifyDialError maps network-level failures onto the taxonomy.
func classifyDialError(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}

	var (
		certErr     *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		recordErr   tls.RecordHeaderError
		netErr      net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindConnectionTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return newError(KindCancelled, op, err)
	case errors.As(err, &certErr), errors.As(err, &unknownAuth), errors.As(err, &hostErr), errors.As(err, &recordErr):
		return newError(KindUnauthorized, op, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return newError(KindConnectionRefused, op, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return newError(KindConnectionTimeout, op, err)
	default:
		return newError(KindConnectionLost, op, err)
	}
}

// classifySpawnError maps process start failures onto the taxonomy.
func classifySpawnError(op string, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return newError(KindTransportNotFound, op, err)
	case errors.Is(err, fs.ErrPermission):
		return newError(KindPermissionDenied, op, err)
	default:
		return newError(KindProcessExited, op, err)
	}
}
