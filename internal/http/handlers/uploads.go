package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iago/health-records-back/internal/domain"
	"github.com/iago/health-records-back/internal/http/middleware"
	"github.com/iago/health-records-back/internal/service"
	"github.com/iago/health-records-back/internal/workflow"
)

type uploadFingerprint struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	ReportType  string `json:"report_type"`
	ContentHash string `json:"content_hash"`
}

// CreateUpload answers POST /v1/uploads: the upload runs server-side and
// the client polls the returned status_url.
func (api *API) CreateUpload(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())
	form, formErr := parseUploadForm(w, r)
	if formErr != nil {
		writeError(w, r, formErr.status, formErr.message)
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	storeKey := ""
	var payloadHash uint64
	if idempotencyKey != "" {
		sum := sha256.Sum256(form.content)
		payloadHash = hashPayload(uploadFingerprint{
			FileName:    form.file.Name,
			ContentType: form.file.ContentType,
			ReportType:  string(form.reportType),
			ContentHash: hex.EncodeToString(sum[:]),
		})
		storeKey = service.OwnerKey(session.Token) + ":" + idempotencyKey
		if entry, reserved := api.idempotency.Reserve(storeKey, payloadHash); !reserved {
			api.replayUpload(w, r, entry, payloadHash)
			return
		}
	}

	job, err := api.uploads.Start(r.Context(), session.Cookie, session.Token, service.UploadInput{
		FileName:    form.file.Name,
		ContentType: form.file.ContentType,
		Content:     form.content,
		ReportType:  form.reportType,
	})
	if err != nil {
		if storeKey != "" {
			api.idempotency.Release(storeKey)
		}
		var validation *workflow.ValidationError
		if errors.As(err, &validation) {
			writeError(w, r, http.StatusBadRequest, validation.Message)
			return
		}
		api.logger.Error("start tracked upload", slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, "Failed to start upload")
		return
	}

	if storeKey != "" {
		api.idempotency.Complete(storeKey, job.ID, job.CreatedAt)
	}
	writeAccepted(w, job.ID, job.Status, job.CreatedAt)
}

// replayUpload answers a repeated Idempotency-Key with the job it already
// started, reporting the job's current status.
func (api *API) replayUpload(w http.ResponseWriter, r *http.Request, entry idempotencyEntry, payloadHash uint64) {
	if entry.PayloadHash != payloadHash {
		writeError(w, r, http.StatusConflict, "Idempotency-Key already used with a different upload")
		return
	}
	if entry.JobID == "" {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusConflict, "An upload with this Idempotency-Key is still starting")
		return
	}

	view, err := api.uploads.Get(r.Context(), middleware.GetSession(r.Context()).Token, entry.JobID)
	if err != nil {
		api.writeUploadError(w, r, err, "Failed to load upload")
		return
	}
	writeAccepted(w, view.JobID, view.Status, entry.CreatedAt)
}

func writeAccepted(w http.ResponseWriter, jobID string, status domain.JobStatus, acceptedAt time.Time) {
	w.Header().Set("Retry-After", "2")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      jobID,
		"status":      status,
		"status_url":  "/v1/uploads/" + jobID,
		"accepted_at": acceptedAt.Format(time.RFC3339Nano),
	})
}

func (api *API) ListUploads(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.JobListFilter{
		Status:   domain.JobStatus(strings.TrimSpace(query.Get("status"))),
		Page:     atoiOrZero(query.Get("page")),
		PageSize: atoiOrZero(query.Get("page_size")),
	}

	views, total, err := api.uploads.List(r.Context(), middleware.GetSession(r.Context()).Token, filter)
	if err != nil {
		api.logger.Error("list tracked uploads", slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, "Failed to list uploads")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": views,
		"total": total,
	})
}

func (api *API) GetUpload(w http.ResponseWriter, r *http.Request) {
	view, err := api.uploads.Get(r.Context(), middleware.GetSession(r.Context()).Token, r.PathValue("id"))
	if err != nil {
		api.writeUploadError(w, r, err, "Failed to load upload")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (api *API) AnalyzeTrackedUpload(w http.ResponseWriter, r *http.Request) {
	view, err := api.uploads.Analyze(r.Context(), middleware.GetSession(r.Context()).Token, r.PathValue("id"))
	if err != nil {
		api.writeUploadError(w, r, err, workflow.MessageAnalyzeFailed)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (api *API) SaveUpload(w http.ResponseWriter, r *http.Request) {
	handoff, err := api.uploads.Save(r.Context(), middleware.GetSession(r.Context()).Token, r.PathValue("id"))
	if err != nil {
		api.writeUploadError(w, r, err, "Failed to save report")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file_id":       handoff.FileID,
		"fresh":         handoff.Fresh,
		"dashboard_url": "/api/dashboard?file_id=" + handoff.FileID + "&fresh=true",
	})
}

func (api *API) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	if err := api.uploads.Delete(r.Context(), middleware.GetSession(r.Context()).Token, r.PathValue("id")); err != nil {
		api.writeUploadError(w, r, err, "Failed to delete upload")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) writeUploadError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrUploadNotFound):
		writeError(w, r, http.StatusNotFound, "Upload not found")
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, workflow.ErrAnalysisRunning), errors.Is(err, workflow.ErrClosed):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		api.writeBackendError(w, r, err, fallback)
	}
}

func atoiOrZero(value string) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return parsed
}
