package blockdevice

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rossigee/cloud-volume-agent/pkg/types"
)

// Error kinds returned by the facade and the poller. Match with errors.Is.
var (
	ErrLogic           = errors.New("volume not in expected start state")
	ErrInvalidState    = errors.New("volume entered an unexpected state")
	ErrTimeout         = errors.New("timed out waiting for volume state change")
	ErrNotFound        = errors.New("volume not found")
	ErrProvider        = errors.New("provider rejected request")
	ErrCapacity        = errors.New("no free device available")
	ErrAlreadyAttached = errors.New("volume already attached")
	ErrUnattached      = errors.New("volume not attached")
)

// Error carries one failure of a volume operation.
type Error struct {
	Kind      error
	Operation string
	VolumeID  string
	Status    types.VolumeStatus
	Code      string
	Message   string
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.VolumeID != "" {
		fmt.Fprintf(&b, " %s", e.VolumeID)
	}
	fmt.Fprintf(&b, ": %v", e.Kind)
	if e.Kind == ErrInvalidState || e.Kind == ErrTimeout || e.Kind == ErrLogic {
		fmt.Fprintf(&b, " (last status %q)", e.Status)
	}
	if e.Code != "" && e.Err == nil {
		fmt.Fprintf(&b, ": %s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ProviderError is how providers report a failed call. Providers wrap their
// SDK errors in it so the facade can log and re-raise them uniformly.
type ProviderError struct {
	Code      string
	Message   string
	RequestID string
	NotFound  bool
	Err       error
}

func (e *ProviderError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != "" {
		msg += " (request id " + e.RequestID + ")"
	}
	if msg == "" && e.Err != nil {
		return e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) match provider not-found responses.
func (e *ProviderError) Is(target error) bool {
	return target == ErrNotFound && e.NotFound
}

// KindOf returns the sentinel kind of err, or nil when err is not from this package.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, kind := range []error{ErrNotFound, ErrTimeout, ErrInvalidState, ErrLogic, ErrCapacity,
		ErrAlreadyAttached, ErrUnattached, ErrProvider} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns a short stable name for the kind of err.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrLogic:
		return "logic"
	case ErrInvalidState:
		return "invalid_state"
	case ErrTimeout:
		return "timeout"
	case ErrNotFound:
		return "not_found"
	case ErrProvider:
		return "provider"
	case ErrCapacity:
		return "capacity"
	case ErrAlreadyAttached:
		return "already_attached"
	case ErrUnattached:
		return "unattached"
	}
	return ""
}
