package workflow

import (
	"mime"
	"strings"

	"github.com/iago/health-records-back/internal/domain"
)

// MaxFileSize is the largest report accepted before any network call.
const MaxFileSize int64 = 10 * 1024 * 1024

const (
	MessageNoFile          = "Please select a file"
	MessageNoReportType    = "Please select a report type"
	MessageInvalidFileType = "Please upload a PDF or image file (JPEG, PNG)"
	MessageFileTooLarge    = "File size must be less than 10MB"
)

var allowedContentTypes = map[string]struct{}{
	"application/pdf": {},
	"image/jpeg":      {},
	"image/jpg":       {},
	"image/png":       {},
}

// ValidationError is raised before any network call and is always safe to
// show to the user.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) UserMessage() string {
	return e.Message
}

// ValidateFile checks the declared content type and size of a report.
func ValidateFile(file File) error {
	if file.Content == nil && strings.TrimSpace(file.Name) == "" {
		return &ValidationError{Message: MessageNoFile}
	}
	if !AllowedContentType(file.ContentType) {
		return &ValidationError{Message: MessageInvalidFileType}
	}
	if file.Size > MaxFileSize {
		return &ValidationError{Message: MessageFileTooLarge}
	}
	return nil
}

func ValidateReportType(reportType domain.ReportType) error {
	if !reportType.Valid() {
		return &ValidationError{Message: MessageNoReportType}
	}
	return nil
}

// AllowedContentType reports whether contentType, ignoring parameters and
// case, is one of the accepted report formats.
func AllowedContentType(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}
	_, ok := allowedContentTypes[mediaType]
	return ok
}
