// Package protoerr classifies the error kinds the engine distinguishes
// when deciding whether to re-queue a piece, rotate peers, or give up.
package protoerr

import "github.com/pkg/errors"

// Kind is one of the error categories of the system: framing
// violations, integrity failures, transport failures, tracker
// failures, and bad configuration/input.
type Kind int

const (
	// Protocol is a framing violation, unexpected message id, or
	// handshake mismatch. The offending session is closed; never fatal
	// to the engine unless every peer fails this way.
	Protocol Kind = iota
	// Integrity is a SHA-1 mismatch on a piece or assembled metadata.
	Integrity
	// Transport is a connect failure, read/write failure, or timeout.
	Transport
	// Tracker is a non-200 response or a bencoded failure reason.
	Tracker
	// Config is a malformed torrent, invalid magnet, or unsupported
	// tracker, caught before any network I/O.
	Config
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Integrity:
		return "integrity"
	case Transport:
		return "transport"
	case Tracker:
		return "tracker"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// kindError pairs a Kind with the wrapped cause, so errors.Cause can
// recover the original error while callers branch on Kind.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Cause() error  { return e.cause }

// Wrap tags err with kind, preserving it as the errors.Cause.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: err}
}

// Wrapf wraps err with a formatted message, tagged with kind.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: errors.Wrapf(err, format, args...)}
}

// Is reports whether err (or something in its cause chain) is tagged
// with kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind == kind
		}
		causer, ok := err.(interface{ Cause() error })
		if !ok {
			return false
		}
		err = causer.Cause()
	}
	return false
}
