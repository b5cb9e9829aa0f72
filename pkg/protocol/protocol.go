package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pixperk/distlockd/pkg/types"
)

// Wire grammar, one request per line, fields space-separated:
//
//	LOCK <name> <holder_id> <timeout_ms>  ->  OK | DENIED | ERROR <code>
//	RELEASE <name> <holder_id>            ->  OK | NOT_HELD | FORBIDDEN
//	HEALTH                                ->  OK <held_count>
//
// Anything else gets ERROR UNKNOWN_COMMAND and the connection stays open.

// request verbs
const (
	VerbLock    = "LOCK"
	VerbRelease = "RELEASE"
	VerbHealth  = "HEALTH"
)

// response tokens
const (
	RespOK        = "OK"
	RespDenied    = "DENIED"
	RespNotHeld   = "NOT_HELD"
	RespForbidden = "FORBIDDEN"
	RespError     = "ERROR"
)

// error codes carried on ERROR responses
const (
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeBadRequest     = "BAD_REQUEST"
	CodeEmptyName      = "EMPTY_NAME"
	CodeBadTimeout     = "BAD_TIMEOUT"
	CodeLineTooLong    = "LINE_TOO_LONG"
)

// MaxLineLen bounds a single request line, terminator included.
const MaxLineLen = 4096

// MaxLockWait caps the server-side wait a single LOCK may ask for, so a
// bogus timeout_ms cannot pin a handler goroutine for hours. Larger values
// are clamped, not rejected.
const MaxLockWait = 60 * time.Second

// one parsed request
// Timeout is meaningful for LOCK only
type Request struct {
	Verb    string
	Name    string
	Holder  string
	Timeout time.Duration
}

// ParseError pairs a wire error code with the underlying cause.
type ParseError struct {
	Code string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func badRequest(format string, args ...any) *ParseError {
	return &ParseError{Code: CodeBadRequest, Err: fmt.Errorf(format, args...)}
}

// Parse decodes one request line (without the trailing newline).
func Parse(line string) (Request, *ParseError) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return Request{}, badRequest("empty request line")
	}

	fields := strings.Split(line, " ")

	switch fields[0] {
	case VerbLock:
		if len(fields) != 4 {
			return Request{}, badRequest("LOCK wants 3 arguments, got %d", len(fields)-1)
		}
		if fields[1] == "" {
			return Request{}, &ParseError{Code: CodeEmptyName, Err: types.ErrEmptyLockName}
		}
		if fields[2] == "" {
			return Request{}, badRequest("LOCK holder id cannot be empty")
		}
		ms, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil || ms < 0 {
			return Request{}, &ParseError{Code: CodeBadTimeout, Err: types.ErrBadTimeout}
		}
		timeout := time.Duration(ms) * time.Millisecond
		if timeout > MaxLockWait {
			timeout = MaxLockWait
		}
		return Request{Verb: VerbLock, Name: fields[1], Holder: fields[2], Timeout: timeout}, nil

	case VerbRelease:
		if len(fields) != 3 {
			return Request{}, badRequest("RELEASE wants 2 arguments, got %d", len(fields)-1)
		}
		if fields[1] == "" {
			return Request{}, &ParseError{Code: CodeEmptyName, Err: types.ErrEmptyLockName}
		}
		if fields[2] == "" {
			return Request{}, badRequest("RELEASE holder id cannot be empty")
		}
		return Request{Verb: VerbRelease, Name: fields[1], Holder: fields[2]}, nil

	case VerbHealth:
		if len(fields) != 1 {
			return Request{}, badRequest("HEALTH wants no arguments")
		}
		return Request{Verb: VerbHealth}, nil

	default:
		return Request{}, &ParseError{Code: CodeUnknownCommand, Err: types.ErrUnknownCommand}
	}
}

// FormatLock renders a LOCK request line.
func FormatLock(name, holder string, timeout time.Duration) string {
	return fmt.Sprintf("%s %s %s %d\n", VerbLock, name, holder, timeout.Milliseconds())
}

// FormatRelease renders a RELEASE request line.
func FormatRelease(name, holder string) string {
	return fmt.Sprintf("%s %s %s\n", VerbRelease, name, holder)
}

// FormatHealth renders a HEALTH request line.
func FormatHealth() string {
	return VerbHealth + "\n"
}

// FormatHealthReply renders the HEALTH response with the held-lock count.
func FormatHealthReply(held int) string {
	return fmt.Sprintf("%s %d\n", RespOK, held)
}

// FormatErrorReply renders an ERROR response for a wire error code.
func FormatErrorReply(code string) string {
	return fmt.Sprintf("%s %s\n", RespError, code)
}
