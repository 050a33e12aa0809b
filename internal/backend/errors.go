package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyFileID = errors.New("file_id is required")

// HTTPError is a non-2xx answer from the backend. Message is the backend's
// own explanation when it sent one, otherwise the caller's fallback.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.StatusCode, e.Message)
}

// UserMessage is the text the UI shows for this failure.
func (e *HTTPError) UserMessage() string {
	return e.Message
}

// StatusCode extracts the backend status from err, or 0 when err is not an
// HTTPError.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// ErrorMessage pulls a human readable message out of a JSON error body.
// FastAPI style {"detail": ...} is preferred, then "error" and "message".
// Non-JSON bodies yield an empty string.
func ErrorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return ""
	}
	for _, key := range []string{"detail", "error", "message"} {
		if message := messageFromValue(decoded[key]); message != "" {
			return message
		}
	}
	return ""
}

func messageFromValue(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case map[string]any:
		for _, key := range []string{"message", "msg", "detail"} {
			if message := messageFromValue(typed[key]); message != "" {
				return message
			}
		}
	case []any:
		// FastAPI validation errors: [{"loc": [...], "msg": "...", "type": "..."}]
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			if message := messageFromValue(item); message != "" {
				parts = append(parts, message)
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}
