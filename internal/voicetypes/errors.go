// Package voicetypes holds the entities and narrow capability interfaces
// shared across the conversation engine, provider registry, and request
// surface.
package voicetypes

import "fmt"

// Kind is a stable error taxonomy that survives across RPC bindings.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindBusy              Kind = "busy"
	KindNoMatchingProvider Kind = "no_matching_provider"
	KindProviderExhausted Kind = "provider_exhausted"
	KindNoSpeechDetected  Kind = "no_speech_detected"
	KindDeviceChanged     Kind = "device_changed"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindCancelled         Kind = "cancelled"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal          Kind = "internal"
)

// VoiceError is the error type returned by every operation named in the
// spec. Kind is stable and never conflated (cancellation is never reported
// as deadline_exceeded, for instance).
type VoiceError struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *VoiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *VoiceError) Unwrap() error { return e.Cause }

// NewError constructs a VoiceError.
func NewError(kind Kind, detail string) *VoiceError {
	return &VoiceError{Kind: kind, Detail: detail}
}

// Wrap constructs a VoiceError carrying an underlying cause.
func Wrap(kind Kind, detail string, cause error) *VoiceError {
	return &VoiceError{Kind: kind, Detail: detail, Cause: cause}
}

// AsVoiceError unwraps err into a *VoiceError, or wraps it as internal.
func AsVoiceError(err error) *VoiceError {
	if err == nil {
		return nil
	}
	if ve, ok := err.(*VoiceError); ok {
		return ve
	}
	return Wrap(KindInternal, "unexpected error", err)
}
