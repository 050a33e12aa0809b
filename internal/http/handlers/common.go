package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/iago/health-records-back/internal/backend"
	"github.com/iago/health-records-back/internal/chat"
	"github.com/iago/health-records-back/internal/dashboard"
	"github.com/iago/health-records-back/internal/http/middleware"
	"github.com/iago/health-records-back/internal/logs"
	"github.com/iago/health-records-back/internal/service"
	"github.com/iago/health-records-back/internal/workflow"
)

var errInvalidPayload = errors.New("invalid payload")

const (
	maxJSONBodyBytes = 1 << 20
	// Multipart framing on top of the largest accepted file.
	maxUploadBodyBytes = workflow.MaxFileSize + 1<<20
)

type Dependencies struct {
	Backend     *backend.Client
	Dashboards  *dashboard.Service
	Chats       *chat.Service
	Uploads     *service.UploadsService
	PhoneRegion string
	Logger      *slog.Logger
}

type API struct {
	backend     *backend.Client
	dashboards  *dashboard.Service
	chats       *chat.Service
	uploads     *service.UploadsService
	phoneRegion string
	logger      *slog.Logger
	idempotency *idempotencyStore
}

func NewAPI(deps Dependencies) *API {
	if deps.Logger == nil {
		deps.Logger = logs.Discard()
	}
	if deps.PhoneRegion == "" {
		deps.PhoneRegion = "US"
	}
	return &API{
		backend:     deps.Backend,
		dashboards:  deps.Dashboards,
		chats:       deps.Chats,
		uploads:     deps.Uploads,
		phoneRegion: deps.PhoneRegion,
		logger:      deps.Logger,
		idempotency: newIdempotencyStore(),
	}
}

type errorPayload struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	writeJSON(w, statusCode, errorPayload{
		Error:     message,
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

// writeSuccess adds "success": true to a backend object. Any other JSON
// value is wrapped as {"success": true, "data": value}.
func writeSuccess(w http.ResponseWriter, statusCode int, body []byte) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var object map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &object); err == nil {
			if object == nil {
				object = make(map[string]json.RawMessage)
			}
			object["success"] = json.RawMessage("true")
			writeJSON(w, statusCode, object)
			return
		}
	}

	envelope := map[string]any{"success": true}
	if len(trimmed) > 0 && json.Valid(trimmed) {
		envelope["data"] = json.RawMessage(trimmed)
	}
	writeJSON(w, statusCode, envelope)
}

// relay answers with the backend response: the success envelope for 2xx,
// otherwise {"error"} carrying the backend status.
func (api *API) relay(w http.ResponseWriter, r *http.Request, response *backend.Response, fallback string) {
	if !response.OK() {
		writeError(w, r, response.StatusCode, response.Err(fallback).Message)
		return
	}
	writeSuccess(w, http.StatusOK, response.Body)
}

// writeBackendError maps a failed backend interaction onto the envelope.
// Transport and decode failures get the generic message.
func (api *API) writeBackendError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var httpErr *backend.HTTPError
	if errors.As(err, &httpErr) {
		writeError(w, r, httpErr.StatusCode, httpErr.Message)
		return
	}
	api.logger.Error("backend call failed",
		slog.String("request_id", middleware.GetRequestID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, r, http.StatusBadGateway, fallback)
}

func relaySetCookie(w http.ResponseWriter, response *backend.Response) {
	for _, value := range response.Header.Values("Set-Cookie") {
		w.Header().Add("Set-Cookie", value)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		return nil, errInvalidPayload
	}
	return body, nil
}

// decodeJSON reads a JSON body. Unknown fields are allowed: the proxy
// forwards what the backend understands.
func decodeJSON(w http.ResponseWriter, r *http.Request, value any) ([]byte, error) {
	body, err := readBody(w, r)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, value); err != nil {
		return nil, errInvalidPayload
	}
	return body, nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

type idempotencyEntry struct {
	PayloadHash uint64
	JobID       string
	CreatedAt   time.Time
}

type idempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
	ttl     time.Duration
}

func newIdempotencyStore() *idempotencyStore {
	return &idempotencyStore{
		entries: make(map[string]idempotencyEntry),
		ttl:     24 * time.Hour,
	}
}

// Reserve claims key for a new upload. When the key is already held, live
// or pending, it returns the existing entry and false. A pending entry has
// no JobID yet.
func (s *idempotencyStore) Reserve(key string, payloadHash uint64) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok {
		if time.Since(entry.CreatedAt) <= s.ttl {
			return entry, false
		}
		delete(s.entries, key)
	}
	s.entries[key] = idempotencyEntry{
		PayloadHash: payloadHash,
		CreatedAt:   time.Now().UTC(),
	}
	return idempotencyEntry{}, true
}

func (s *idempotencyStore) Complete(key, jobID string, acceptedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return
	}
	entry.JobID = jobID
	entry.CreatedAt = acceptedAt
	s.entries[key] = entry
}

func (s *idempotencyStore) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}

func queryValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}
