package mediaq

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/UniQw/mediaq/internal/compress"
	"github.com/UniQw/mediaq/internal/transfer"
	"github.com/UniQw/mediaq/internal/validate"
)

// ErrTaskNotFound is returned when a task with the specified ID is not found.
var ErrTaskNotFound = errors.New("mediaq: task not found")

// ErrUnknownStatus is returned when an invalid status is parsed.
var ErrUnknownStatus = errors.New("mediaq: unknown status")

// ErrNotRetryable is returned by Retry when the task is not failed or partial.
var ErrNotRetryable = errors.New("mediaq: task is not in a retryable status")

// ErrRetryExhausted is returned by Retry once the maximum retry count was used.
// The submission has to be restarted from scratch.
var ErrRetryExhausted = errors.New("mediaq: retry limit reached, resubmit the media")

// ErrInvalidSubmission is returned by Enqueue when no task could be created from the input.
var ErrInvalidSubmission = errors.New("mediaq: invalid submission")

// ErrNothingProcessed fails a run in which no asset survived validation and compression.
var ErrNothingProcessed = errors.New("mediaq: no media could be processed")

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("mediaq: store closed")

// ValidationError carries the machine-readable code of a rejected input.
type ValidationError = validate.Error

// StatusError is returned by transfers and backend calls answered with a non-2xx status.
type StatusError = transfer.StatusError

// ErrorType categorizes a failure so that messages and retry policy can differ.
type ErrorType string

const (
	// ErrorValidation means the input itself was rejected; retrying cannot help.
	ErrorValidation ErrorType = "validation"
	// ErrorCompression means no preset produced an output within budget.
	ErrorCompression ErrorType = "compression"
	// ErrorNetwork covers connection failures before any response arrived.
	ErrorNetwork ErrorType = "network"
	// ErrorServer means a collaborator answered with a non-2xx status.
	ErrorServer ErrorType = "server"
	// ErrorTimeout means an attempt ran out of time.
	ErrorTimeout ErrorType = "timeout"
	// ErrorUnknown is used when no other type matches.
	ErrorUnknown ErrorType = "unknown"
)

func (t ErrorType) String() string { return string(t) }

// Retryable reports whether retrying with the same input can help.
func (t ErrorType) Retryable() bool { return t != ErrorValidation }

// Classify maps err to exactly one ErrorType. Typed errors are checked first,
// then the message is inspected for errors that lost their type on the way.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}
	var verr *validate.Error
	if errors.As(err, &verr) || errors.Is(err, ErrInvalidSubmission) {
		return ErrorValidation
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, transfer.ErrTimeout) {
		return ErrorTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrorTimeout
	}
	var cerr *compress.Error
	if errors.As(err, &cerr) || errors.Is(err, ErrNothingProcessed) {
		return ErrorCompression
	}
	var serr *transfer.StatusError
	if errors.As(err, &serr) {
		return ErrorServer
	}
	if nerr != nil || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrorNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return ErrorTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"), strings.Contains(msg, "no such host"):
		return ErrorNetwork
	case strings.Contains(msg, "status 5"), strings.Contains(msg, "server error"):
		return ErrorServer
	case strings.Contains(msg, "compress"), strings.Contains(msg, "encode"), strings.Contains(msg, "ffmpeg"):
		return ErrorCompression
	case strings.Contains(msg, "invalid"):
		return ErrorValidation
	}
	return ErrorUnknown
}
