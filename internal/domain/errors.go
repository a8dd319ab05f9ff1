package domain

import (
	"errors"
	"strings"
	"unicode"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrNotConfigured      = errors.New("openai api key is not configured")
	ErrContentUnavailable = errors.New("document content unavailable")
	ErrUploadFailed       = errors.New("document upload failed")
	ErrGenerationFailed   = errors.New("generation failed")
	ErrGenerationTimeout  = errors.New("generation timed out")
	ErrInsufficientFunds  = errors.New("insufficient coins")
	ErrMalformedResult    = errors.New("malformed generation result")
	ErrIllegalTransition  = errors.New("illegal job status transition")
	ErrQueueFull          = errors.New("job queue is full")
	ErrInvalidInput       = errors.New("invalid input")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrNotConfigured, "not_configured"},
	{ErrContentUnavailable, "content_unavailable"},
	{ErrUploadFailed, "upload_failed"},
	{ErrGenerationTimeout, "generation_timeout"},
	{ErrGenerationFailed, "generation_failed"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrMalformedResult, "malformed_result"},
	{ErrIllegalTransition, "illegal_transition"},
	{ErrQueueFull, "queue_full"},
	{ErrNotFound, "not_found"},
	{ErrInvalidInput, "invalid_input"},
}

// ErrorKind returns the taxonomy name of err, or "internal" when err does not
// wrap one of the package sentinels.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

const maxErrorRunes = 1000

// SanitizeError flattens an error message for storage on a job row.
func SanitizeError(msg string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, msg)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	runes := []rune(cleaned)
	if len(runes) > maxErrorRunes {
		return string(runes[:maxErrorRunes-3]) + "..."
	}
	return cleaned
}
