package generation

import (
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const entityName = "generation"

// MarkProcessing moves a pending request to processing.
func MarkProcessing(request Request, at time.Time) (Request, error) {
	if request.Status != StatusPending {
		return request, transitionError(request.Status, StatusProcessing)
	}
	request.Status = StatusProcessing
	request.UpdatedAt = at
	return request, nil
}

// MarkCompleted moves a processing request to completed and stores its output.
func MarkCompleted(request Request, result Result, processingTimeMs int64, at time.Time) (Request, error) {
	if request.Status != StatusProcessing {
		return request, transitionError(request.Status, StatusCompleted)
	}
	if result.Empty() {
		return request, ledger.NewValidationError("result", "must contain at least one url or text")
	}
	if processingTimeMs < 0 {
		return request, ledger.NewValidationError("processingTime", "must not be negative")
	}
	stored := result
	request.Status = StatusCompleted
	request.Result = &stored
	request.ErrorMessage = ""
	request.ProcessingTimeMs = processingTimeMs
	request.UpdatedAt = at
	return request, nil
}

// MarkFailed moves a non-terminal request to failed with a reason.
func MarkFailed(request Request, errorMessage string, at time.Time) (Request, error) {
	if request.Status.Terminal() {
		return request, transitionError(request.Status, StatusFailed)
	}
	message := strings.TrimSpace(errorMessage)
	if message == "" {
		message = "generation failed"
	}
	request.Status = StatusFailed
	request.Result = nil
	request.ErrorMessage = message
	request.UpdatedAt = at
	return request, nil
}

// AddTag returns request with tag added once.
func AddTag(request Request, rawTag string, at time.Time) (Request, error) {
	tag, err := normalizeTag(rawTag)
	if err != nil {
		return request, err
	}
	for _, existing := range request.Tags {
		if existing == tag {
			return request, nil
		}
	}
	if len(request.Tags) >= MaxTags {
		return request, ledger.NewValidationError("tags", "at most %d tags allowed", MaxTags)
	}
	request.Tags = append(append([]string(nil), request.Tags...), tag)
	request.UpdatedAt = at
	return request, nil
}

// RemoveTag returns request without tag.
func RemoveTag(request Request, rawTag string, at time.Time) (Request, error) {
	tag, err := normalizeTag(rawTag)
	if err != nil {
		return request, err
	}
	remaining := make([]string, 0, len(request.Tags))
	for _, existing := range request.Tags {
		if existing != tag {
			remaining = append(remaining, existing)
		}
	}
	request.Tags = remaining
	request.UpdatedAt = at
	return request, nil
}

func normalizeTag(raw string) (string, error) {
	tag := strings.ToLower(strings.TrimSpace(raw))
	if tag == "" {
		return "", ledger.NewValidationError("tag", "must not be empty")
	}
	if len([]rune(tag)) > MaxTagLength {
		return "", ledger.NewValidationError("tag", "exceeds %d characters", MaxTagLength)
	}
	return tag, nil
}

func transitionError(from Status, to Status) error {
	return ledger.TransitionError{Entity: entityName, From: string(from), To: string(to)}
}
