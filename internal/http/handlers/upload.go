package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/iago/health-records-back/internal/backend"
	"github.com/iago/health-records-back/internal/domain"
	"github.com/iago/health-records-back/internal/http/middleware"
	"github.com/iago/health-records-back/internal/workflow"
)

const (
	messageNoFileProvided   = "No file provided"
	messageNoReportType     = "Report type not specified"
	messageFileIDRequired   = "file_id is required"
	fallbackUploadFailed    = "Failed to upload file"
	fallbackStatusFailed    = "Failed to check upload status"
	fallbackAnalyzeFailed   = "Failed to analyze report"
	formFieldFile           = "file"
	formFieldReportTypeID   = "reportTypeId"
	formFieldReportTypeSlug = "reportType"
)

type uploadForm struct {
	file       workflow.File
	content    []byte
	reportType domain.ReportType
}

type formError struct {
	status  int
	message string
}

// parseUploadForm reads a multipart upload and applies the same checks the
// workflow controller runs before calling the backend.
func parseUploadForm(w http.ResponseWriter, r *http.Request) (*uploadForm, *formError) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodyBytes)
	if err := r.ParseMultipartForm(maxUploadBodyBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &formError{http.StatusRequestEntityTooLarge, workflow.MessageFileTooLarge}
		}
		return nil, &formError{http.StatusBadRequest, "Invalid form data"}
	}

	part, header, err := r.FormFile(formFieldFile)
	if err != nil {
		return nil, &formError{http.StatusBadRequest, messageNoFileProvided}
	}
	defer part.Close()

	rawType := strings.TrimSpace(r.FormValue(formFieldReportTypeID))
	if rawType == "" {
		rawType = strings.TrimSpace(r.FormValue(formFieldReportTypeSlug))
	}
	if rawType == "" {
		return nil, &formError{http.StatusBadRequest, messageNoReportType}
	}
	reportType, err := domain.ParseReportType(rawType)
	if err != nil {
		return nil, &formError{http.StatusBadRequest, workflow.MessageNoReportType}
	}

	content, err := io.ReadAll(part)
	if err != nil {
		return nil, &formError{http.StatusBadRequest, "Invalid form data"}
	}
	file := workflow.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        int64(len(content)),
		Content:     bytes.NewReader(content),
	}
	if err := workflow.ValidateFile(file); err != nil {
		return nil, &formError{http.StatusBadRequest, err.Error()}
	}
	return &uploadForm{file: file, content: content, reportType: reportType}, nil
}

func (api *API) Upload(w http.ResponseWriter, r *http.Request) {
	form, formErr := parseUploadForm(w, r)
	if formErr != nil {
		writeError(w, r, formErr.status, formErr.message)
		return
	}

	request, err := backend.UploadFileRequest(middleware.GetSession(r.Context()).Cookie, backend.UploadRequest{
		FileName:     form.file.Name,
		ContentType:  form.file.ContentType,
		Content:      form.file.Content,
		ReportTypeID: form.reportType.BackendID(),
	})
	if err != nil {
		api.writeBackendError(w, r, err, fallbackUploadFailed)
		return
	}
	response, err := api.backend.Do(r.Context(), request)
	if err != nil {
		api.writeBackendError(w, r, err, fallbackUploadFailed)
		return
	}
	if !response.OK() {
		writeError(w, r, response.StatusCode, response.Err(fallbackUploadFailed).Message)
		return
	}

	var decoded backend.UploadResponse
	if err := json.Unmarshal(response.Body, &decoded); err != nil {
		api.writeBackendError(w, r, err, fallbackUploadFailed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"file_id": decoded.FileID,
		"status":  decoded.Status,
		"message": decoded.Message,
	})
}

func (api *API) UploadStatus(w http.ResponseWriter, r *http.Request) {
	fileID := queryValue(r, "file_id")
	if fileID == "" {
		writeError(w, r, http.StatusBadRequest, messageFileIDRequired)
		return
	}

	response, err := api.backend.Do(r.Context(), backend.Request{
		Endpoint: "upload_status",
		Method:   http.MethodGet,
		Path:     "/upload/status/" + url.PathEscape(fileID),
		Cookie:   middleware.GetSession(r.Context()).Cookie,
	})
	if err != nil {
		api.writeBackendError(w, r, err, fallbackStatusFailed)
		return
	}
	api.relay(w, r, response, fallbackStatusFailed)
}

type fileIDRequest struct {
	FileID string `json:"file_id"`
}

func (api *API) AnalyzeUpload(w http.ResponseWriter, r *http.Request) {
	var request fileIDRequest
	if _, err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(request.FileID) == "" {
		writeError(w, r, http.StatusBadRequest, messageFileIDRequired)
		return
	}

	response, err := api.backend.AnalyzeRaw(r.Context(), middleware.GetSession(r.Context()).Cookie, strings.TrimSpace(request.FileID))
	if err != nil {
		api.writeBackendError(w, r, err, fallbackAnalyzeFailed)
		return
	}
	api.relay(w, r, response, fallbackAnalyzeFailed)
}
