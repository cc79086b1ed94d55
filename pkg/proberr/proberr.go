// Package proberr defines the error taxonomy shared by every layer of the
// probe stack.
//
// Each failure carries a stable Kind so callers (CLIs, install checks,
// higher level tooling) can branch on the kind instead of parsing text:
//
//	if proberr.Is(err, proberr.DriverMissing) {
//	    fmt.Println(diag.Explain(err))
//	}
package proberr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the stable, machine-checkable identifier of an error.
type Kind string

// Transport errors.
const (
	NotFound      Kind = "NotFound"
	Busy          Kind = "Busy"
	DriverMissing Kind = "DriverMissing"
	Timeout       Kind = "Timeout"
	LinkError     Kind = "LinkError"
)

// Session errors.
const (
	HandshakeFailed    Kind = "HandshakeFailed"
	VersionUnsupported Kind = "VersionUnsupported"
	AlreadyOpen        Kind = "AlreadyOpen"
	SessionBusy        Kind = "SessionBusy"
	SessionClosed      Kind = "SessionClosed"
)

// State errors.
const (
	InvalidStateTransition Kind = "InvalidStateTransition"
	NotConnected           Kind = "NotConnected"
)

// Programming errors.
const (
	NotInProgrammingMode Kind = "NotInProgrammingMode"
	EraseFailed          Kind = "EraseFailed"
	WriteFailed          Kind = "WriteFailed"
	VerifyMismatch       Kind = "VerifyMismatch"
	Aborted              Kind = "Aborted"
	InvalidJob           Kind = "InvalidJob"
)

// Diagnostics errors.
const (
	DriverIncompatible Kind = "DriverIncompatible"
)

// Category groups kinds by the layer that raises them.
type Category string

const (
	CategoryTransport   Category = "transport"
	CategorySession     Category = "session"
	CategoryState       Category = "state"
	CategoryProgramming Category = "programming"
	CategoryDiagnostics Category = "diagnostics"
	CategoryUnknown     Category = "unknown"
)

var categories = map[Kind]Category{
	NotFound:               CategoryTransport,
	Busy:                   CategoryTransport,
	DriverMissing:          CategoryTransport,
	Timeout:                CategoryTransport,
	LinkError:              CategoryTransport,
	HandshakeFailed:        CategorySession,
	VersionUnsupported:     CategorySession,
	AlreadyOpen:            CategorySession,
	SessionBusy:            CategorySession,
	SessionClosed:          CategorySession,
	InvalidStateTransition: CategoryState,
	NotConnected:           CategoryState,
	NotInProgrammingMode:   CategoryProgramming,
	EraseFailed:            CategoryProgramming,
	WriteFailed:            CategoryProgramming,
	VerifyMismatch:         CategoryProgramming,
	Aborted:                CategoryProgramming,
	InvalidJob:             CategoryProgramming,
	DriverIncompatible:     CategoryDiagnostics,
}

// Category reports the layer a kind belongs to.
func (k Kind) Category() Category {
	if c, ok := categories[k]; ok {
		return c
	}
	return CategoryUnknown
}

func (k Kind) String() string {
	return string(k)
}

// Error is the structured error returned across component boundaries.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "open", "halt", "program"
	Msg  string

	// Address is the absolute target address involved, when HasAddress.
	Address    uint32
	HasAddress bool

	// Offset is the byte offset into a job's payload, or -1.
	Offset int

	// Sectors counts fully committed sectors for programming failures.
	Sectors int

	Err error
}

// New creates an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Offset: -1}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

// Wrap creates an error of the given kind around cause. A nil cause
// yields nil.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Offset: -1, Err: cause}
}

// AtAddress attaches an absolute address and returns e.
func (e *Error) AtAddress(addr uint32) *Error {
	e.Address = addr
	e.HasAddress = true
	return e
}

// AtOffset attaches a payload offset and returns e.
func (e *Error) AtOffset(off int) *Error {
	e.Offset = off
	return e
}

// WithSectors attaches the committed-sector count and returns e.
func (e *Error) WithSectors(n int) *Error {
	e.Sectors = n
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.HasAddress {
		fmt.Fprintf(&b, " (addr 0x%08X)", e.Address)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " (offset %d)", e.Offset)
	}
	if e.Kind == Aborted {
		fmt.Fprintf(&b, " (%d sectors committed)", e.Sectors)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so that errors.Is(err, ErrTimeout)
// works regardless of the operation or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound               = &Error{Kind: NotFound, Offset: -1}
	ErrBusy                   = &Error{Kind: Busy, Offset: -1}
	ErrDriverMissing          = &Error{Kind: DriverMissing, Offset: -1}
	ErrTimeout                = &Error{Kind: Timeout, Offset: -1}
	ErrLinkError              = &Error{Kind: LinkError, Offset: -1}
	ErrSessionBusy            = &Error{Kind: SessionBusy, Offset: -1}
	ErrSessionClosed          = &Error{Kind: SessionClosed, Offset: -1}
	ErrInvalidStateTransition = &Error{Kind: InvalidStateTransition, Offset: -1}
	ErrAborted                = &Error{Kind: Aborted, Offset: -1}
)

// KindOf returns the kind of the outermost *Error in err's chain, or ""
// when err carries none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// As extracts the outermost *Error.
func As(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}
