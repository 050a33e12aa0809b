package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/health-records-back/internal/backend"
	"github.com/iago/health-records-back/internal/chat"
	"github.com/iago/health-records-back/internal/dashboard"
	"github.com/iago/health-records-back/internal/domain"
	"github.com/iago/health-records-back/internal/http/handlers"
	"github.com/iago/health-records-back/internal/queue"
	"github.com/iago/health-records-back/internal/repository"
	"github.com/iago/health-records-back/internal/service"
	"github.com/iago/health-records-back/internal/workflow"
)

type fakeRecordsBackend struct {
	server *httptest.Server

	mu         sync.Mutex
	calls      []string
	lastCookie string

	dashboardCreates atomic.Int32
	dashboardExists  atomic.Bool
}

func (f *fakeRecordsBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRecordsBackend) countCalls(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, made := range f.calls {
		if made == call {
			count++
		}
	}
	return count
}

func (f *fakeRecordsBackend) cookie() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCookie
}

func newFakeRecordsBackend(t *testing.T) *fakeRecordsBackend {
	t.Helper()
	fake := &fakeRecordsBackend{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "s-123", Path: "/", HttpOnly: true})
		_, _ = w.Write([]byte(`{"user":{"email":"ana@example.com"}}`))
	})
	mux.HandleFunc("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("session_id"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"email":"ana@example.com"}`))
	})
	mux.HandleFunc("GET /auth/profile-info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream exploded"))
	})
	mux.HandleFunc("POST /upload/upload-file", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("report_type_id") != domain.ReportTypeBloodTest.BackendID() {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"detail":"Unknown report type"}`))
			return
		}
		_, _ = w.Write([]byte(`{"file_id":"f-1","status":"processing","message":"File uploaded"}`))
	})
	mux.HandleFunc("GET /upload/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"completed"}`))
	})
	mux.HandleFunc("POST /upload/analyze/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"summary":"Mostly fine","key_findings":{"cholesterol":"elevated"},"recommendations":["Walk daily"]}`))
	})
	mux.HandleFunc("GET /dashboard/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !fake.dashboardExists.Load() {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Dashboard not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"dashboard_id":"d-1","topBar":{"title":"Blood test"}}`))
	})
	mux.HandleFunc("POST /dashboard/create", func(w http.ResponseWriter, r *http.Request) {
		fake.dashboardCreates.Add(1)
		fake.dashboardExists.Store(true)
		_, _ = w.Write([]byte(`{"dashboard_id":"d-1","dashboard_type":"blood","topBar":{"title":"Blood test"},"internal_note":"x"}`))
	})
	mux.HandleFunc("POST /chat/recent-chat", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	fake.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		fake.calls = append(fake.calls, r.Method+" "+r.URL.Path)
		fake.lastCookie = r.Header.Get("Cookie")
		fake.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(fake.server.Close)
	return fake
}

func newTestRouter(t *testing.T, fake *fakeRecordsBackend) http.Handler {
	t.Helper()
	client := backend.NewClient(backend.ClientConfig{BaseURL: fake.server.URL, Timeout: 2 * time.Second})
	uploads := service.NewUploadsService(
		repository.NewMemoryJobsRepository(),
		queue.NewLocalQueue(256, 3, nil),
		func(cookie string) workflow.Gateway { return client.Session(cookie) },
		service.UploadsConfig{Workflow: workflow.Config{PollInterval: 20 * time.Millisecond, MaxPollAttempts: 20}},
	)
	t.Cleanup(uploads.Close)

	api := handlers.NewAPI(handlers.Dependencies{
		Backend:    client,
		Dashboards: dashboard.NewService(client, dashboard.Config{}),
		Chats:      chat.NewService(client),
		Uploads:    uploads,
	})
	return NewRouter(RouterDependencies{
		API:            api,
		CORSOrigins:    []string{"http://localhost:3000"},
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})
}

func serve(handler http.Handler, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, body)
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func multipartUpload(t *testing.T, fileName, contentType, reportType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if fileName != "" {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = part.Write(content)
	}
	if reportType != "" {
		_ = writer.WriteField("reportTypeId", reportType)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &body, writer.FormDataContentType()
}

const sessionCookie = "session_id=s-123"

func TestLoginValidatesBeforeCallingBackend(t *testing.T) {
	fake := newFakeRecordsBackend(t)
	router := newTestRouter(t, fake)

	recorder := serve(router, http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"ana@example.com"}`), nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if got := decodeBody(t, recorder)["error"]; got != "Email and password are required" {
		t.Fatalf("unexpected error %v", got)
	}
	if fake.callCount() != 0 {
		t.Fatalf("expected no backend call, got %d", fake.callCount())
	}
}

func TestLoginRelaysSessionCookie(t *testing.T) {
	fake := newFakeRecordsBackend(t)
	router := newTestRouter(t, fake)

	recorder := serve(router, http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"ana@example.com","password":"secret-pass"}`), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Header().Get("Set-Cookie"), "session_id=s-123") {
		t.Fatalf("expected session cookie to be relayed, got %q", recorder.Header().Get("Set-Cookie"))
	}
	body := decodeBody(t, recorder)
	if body["success"] != true || body["user"] == nil {
		t.Fatalf("expected backend payload with success, got %v", body)
	}
}

func TestRegisterRequiresLongPassword(t *testing.T) {
	router := newTestRouter(t, newFakeRecordsBackend(t))
	recorder := serve(router, http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"ana@example.com","password":"short"}`), nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if got := decodeBody(t, recorder)["error"]; got != "Password must be at least 8 characters" {
		t.Fatalf("unexpected error %v", got)
	}
}

func TestMeRequiresSession(t *testing.T) {
	fake := newFakeRecordsBackend(t)
	router := newTestRouter(t, fake)

	recorder := serve(router, http.MethodGet, "/api/auth/me", nil, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if got := decodeBody(t, recorder)["error"]; got != "Not authenticated" {
		t.Fatalf("unexpected error %v", got)
	}

	recorder = serve(router, http.MethodGet, "/api/auth/me", nil, map[string]string{"Cookie": sessionCookie})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if fake.cookie() != sessionCookie {
		t.Fatalf("expected cookie to be forwarded verbatim, got %q", fake.cookie())
	}
}

func TestProfileBackendFailureUsesFallback(t *testing.T) {
	router := newTestRouter(t, newFakeRecordsBackend(t))
	recorder := serve(router, http.MethodGet, "/api/profile", nil, map[string]string{"Cookie": sessionCookie})
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected backend status 500, got %d", recorder.Code)
	}
	if got := decodeBody(t, recorder)["error"]; got != "Failed to load profile" {
		t.Fatalf("unexpected error %v", got)
	}
}

func TestProfileRejectsInvalidPhone(t *testing.T) {
	fake := newFakeRecordsBackend(t)
	router := newTestRouter(t, fake)
	recorder := serve(router, http.MethodPost, "/api/profile", strings.NewReader(`{"full_name":"Ana","phone":"12"}`), map[string]string{"Cookie": sessionCookie})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if fake.callCount() != 0 {
		t.Fatalf("expected no backend call, got %d", fake.callCount())
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	fake := newFakeRecordsBackend(t)
	router := newTestRouter(t, fake)

	body, contentType := multipartUpload(t, "notes.txt", "text/plain", domain.ReportTypeBloodTest.BackendID(), []byte("hello"))
	recorder := serve(router, http.MethodPost, "/api/upload", body, map[string]string{"Content-Type": contentType, "Cookie": sessionCookie})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if got := decodeBody(t, recorder)["error"]; got != workflow.MessageInvalidFileType {
		t.Fatalf("unexpected error %v", got)
	}
	if fake.callCount() != 0 {
		t.Fatalf("expected no backend call, got %d", fake.callCount())
	}
}

func TestUploadForwardsToBackend(t *testing.T) {
	router := newTestRouter(t, newFakeRecordsBackend(t))

	body, contentType := multipartUpload(t, "labs.pdf", "application/pdf", domain.ReportTypeBloodTest.BackendID(), []byte("%PDF-1.4"))
	recorder := serve(router, http.MethodPost, "/api/upload", body, map[string]string{"Content-Type": contentType, "Cookie": sessionCookie})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	decoded := decodeBody(t, recorder)
	if decoded["success"] != true || decoded["file_id"] != "f-1" {
		t.Fatalf("unexpected response %v", decoded)
	}
}

func TestUploadStatusRequiresFileID(t *testing.T) {
	router := newTestRouter(t, newFakeRecordsBackend(t))

	recorder := serve(router, http.MethodGet, "/api/upload/status", nil, map[string]string{"Cookie": sessionCookie})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}

	recorder = serve(router, http.MethodGet, "/api/upload/status?file_id=f-1", nil, map[string]string{"Cookie": sessionCookie})
	decoded := decodeBody(t, recorder)
	if decoded["success"] != true || decoded["status"] != "completed" {
		t.Fatalf("unexpected response %v", decoded)
	}
}

func TestChatChecksActionBeforeSession(t *testing.T) {
	fake := newFakeRecordsBackend(t)
	router := newTestRouter(t, fake)

	recorder := serve(router, http.MethodPost, "/api/chat", strings.NewReader(`{}`), nil)
	if recorder.Code != http.StatusBadRequest || decodeBody(t, recorder)["error"] != "Action is required" {
		t.Fatalf("expected missing action error, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = serve(router, http.MethodPost, "/api/chat", strings.NewReader(`{"action":"recent"}`), nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", recorder.Code)
	}

	recorder = serve(router, http.MethodPost, "/api/chat", strings.NewReader(`{"action":"rename","chat_id":"c-1"}`), map[string]string{"Cookie": sessionCookie})
	if recorder.Code != http.StatusBadRequest || decodeBody(t, recorder)["error"] != "chat_id and chat_name are required" {
		t.Fatalf("expected rename validation error, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = serve(router, http.MethodPost, "/api/chat", strings.NewReader(`{"action":"recent"}`), map[string]string{"Cookie": sessionCookie})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	decoded := decodeBody(t, recorder)
	if decoded["success"] != true {
		t.Fatalf("expected success envelope, got %v", decoded)
	}
	if items, ok := decoded["data"].([]any); !ok || len(items) != 0 {
		t.Fatalf("expected wrapped empty list, got %v", decoded["data"])
	}
}

func TestDashboardCreatesOnMissing(t *testing.T) {
	fake := newFakeRecordsBackend(t)
	router := newTestRouter(t, fake)

	recorder := serve(router, http.MethodGet, "/api/dashboard?file_id=f-1", nil, map[string]string{"Cookie": sessionCookie})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	decoded := decodeBody(t, recorder)
	if decoded["success"] != true || decoded["dashboard_id"] != "d-1" {
		t.Fatalf("unexpected dashboard %v", decoded)
	}
	if fake.dashboardCreates.Load() != 1 {
		t.Fatalf("expected one create, got %d", fake.dashboardCreates.Load())
	}

	serve(router, http.MethodGet, "/api/dashboard?file_id=f-1", nil, map[string]string{"Cookie": sessionCookie})
	if fake.dashboardCreates.Load() != 1 {
		t.Fatalf("expected existing dashboard to be reused, got %d creates", fake.dashboardCreates.Load())
	}
}

func TestHealthDashboardCreateProjectsFields(t *testing.T) {
	router := newTestRouter(t, newFakeRecordsBackend(t))

	recorder := serve(router, http.MethodPost, "/api/health", strings.NewReader(`{"file_id":"f-1"}`), map[string]string{"Cookie": sessionCookie})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}
	decoded := decodeBody(t, recorder)
	if decoded["success"] != true || decoded["dashboard_type"] != "blood" {
		t.Fatalf("unexpected response %v", decoded)
	}
	if _, leaked := decoded["internal_note"]; leaked {
		t.Fatalf("expected unknown fields to be dropped, got %v", decoded)
	}
}

func TestHealthMetricsMock(t *testing.T) {
	router := newTestRouter(t, newFakeRecordsBackend(t))

	recorder := serve(router, http.MethodGet, "/api/health/metrics", nil, nil)
	decoded := decodeBody(t, recorder)
	if decoded["success"] != true || decoded["metrics"] == nil {
		t.Fatalf("unexpected metrics %v", decoded)
	}

	recorder = serve(router, http.MethodPost, "/api/health/metrics", strings.NewReader(`{"heartRate":70}`), nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}
}

func TestTrackedUploadLifecycle(t *testing.T) {
	router := newTestRouter(t, newFakeRecordsBackend(t))
	headers := func(contentType string) map[string]string {
		return map[string]string{"Content-Type": contentType, "Cookie": sessionCookie}
	}

	body, contentType := multipartUpload(t, "labs.pdf", "application/pdf", domain.ReportTypeBloodTest.BackendID(), []byte("%PDF-1.4"))
	recorder := serve(router, http.MethodPost, "/v1/uploads", body, map[string]string{"Content-Type": contentType})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", recorder.Code)
	}

	body, contentType = multipartUpload(t, "labs.pdf", "application/pdf", domain.ReportTypeBloodTest.BackendID(), []byte("%PDF-1.4"))
	recorder = serve(router, http.MethodPost, "/v1/uploads", body, headers(contentType))
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	accepted := decodeBody(t, recorder)
	statusURL, _ := accepted["status_url"].(string)
	if statusURL == "" {
		t.Fatalf("expected status_url, got %v", accepted)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		recorder = serve(router, http.MethodGet, statusURL, nil, headers(""))
		if decodeBody(t, recorder)["status"] == string(domain.JobStatusReady) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("upload never became ready: %s", recorder.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	recorder = serve(router, http.MethodPost, statusURL+"/analyze", nil, headers(""))
	analyzed := decodeBody(t, recorder)
	if analyzed["risk_level"] != "medium" {
		t.Fatalf("expected medium risk, got %v", analyzed)
	}
	findings, _ := analyzed["key_findings"].([]any)
	if len(findings) != 1 || findings[0] != "cholesterol: elevated" {
		t.Fatalf("unexpected findings %v", analyzed["key_findings"])
	}

	recorder = serve(router, http.MethodPost, statusURL+"/save", nil, headers(""))
	saved := decodeBody(t, recorder)
	if saved["file_id"] != "f-1" || saved["fresh"] != true {
		t.Fatalf("unexpected handoff %v", saved)
	}

	recorder = serve(router, http.MethodPost, statusURL+"/analyze", nil, headers(""))
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 after save, got %d", recorder.Code)
	}

	recorder = serve(router, http.MethodGet, statusURL, nil, map[string]string{"Cookie": "session_id=someone-else"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected another session to get 404, got %d", recorder.Code)
	}
}

func TestTrackedUploadIdempotencyKey(t *testing.T) {
	router := newTestRouter(t, newFakeRecordsBackend(t))

	post := func(content string) *httptest.ResponseRecorder {
		body, contentType := multipartUpload(t, "labs.pdf", "application/pdf", domain.ReportTypeBloodTest.BackendID(), []byte(content))
		return serve(router, http.MethodPost, "/v1/uploads", body, map[string]string{
			"Content-Type":    contentType,
			"Cookie":          sessionCookie,
			"Idempotency-Key": "upload-0001",
		})
	}

	first := decodeBody(t, post("%PDF-1.4 a"))
	second := decodeBody(t, post("%PDF-1.4 a"))
	if first["job_id"] == nil || first["job_id"] != second["job_id"] {
		t.Fatalf("expected the same job for a repeated key, got %v and %v", first["job_id"], second["job_id"])
	}
	if recorder := post("%PDF-1.4 b"); recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a reused key, got %d", recorder.Code)
	}
}

func TestTrackedUploadIdempotencyKeyConcurrentAndReplay(t *testing.T) {
	fake := newFakeRecordsBackend(t)
	router := newTestRouter(t, fake)
	request := func() (io.Reader, map[string]string) {
		body, contentType := multipartUpload(t, "labs.pdf", "application/pdf", domain.ReportTypeBloodTest.BackendID(), []byte("%PDF-1.4 a"))
		return body, map[string]string{
			"Content-Type":    contentType,
			"Cookie":          sessionCookie,
			"Idempotency-Key": "upload-0002",
		}
	}

	const clients = 8
	bodies := make([]io.Reader, clients)
	headerSets := make([]map[string]string, clients)
	for i := range bodies {
		bodies[i], headerSets[i] = request()
	}
	recorders := make([]*httptest.ResponseRecorder, clients)
	var wg sync.WaitGroup
	for i := range recorders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recorders[i] = serve(router, http.MethodPost, "/v1/uploads", bodies[i], headerSets[i])
		}(i)
	}
	wg.Wait()

	jobID := ""
	for _, recorder := range recorders {
		switch recorder.Code {
		case http.StatusAccepted:
			decoded := decodeBody(t, recorder)
			if jobID == "" {
				jobID, _ = decoded["job_id"].(string)
			}
			if decoded["job_id"] != jobID {
				t.Fatalf("expected every accepted response to share job %q, got %v", jobID, decoded["job_id"])
			}
		case http.StatusConflict:
		default:
			t.Fatalf("expected 202 or 409, got %d: %s", recorder.Code, recorder.Body.String())
		}
	}
	if jobID == "" {
		t.Fatalf("expected at least one accepted response")
	}

	statusURL := "/v1/uploads/" + jobID
	deadline := time.Now().Add(2 * time.Second)
	for {
		recorder := serve(router, http.MethodGet, statusURL, nil, map[string]string{"Cookie": sessionCookie})
		if decodeBody(t, recorder)["status"] == string(domain.JobStatusReady) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("upload never became ready: %s", recorder.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if uploads := fake.countCalls("POST /upload/upload-file"); uploads != 1 {
		t.Fatalf("expected one backend upload, got %d", uploads)
	}

	body, headers := request()
	replay := serve(router, http.MethodPost, "/v1/uploads", body, headers)
	if replay.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on replay, got %d: %s", replay.Code, replay.Body.String())
	}
	decoded := decodeBody(t, replay)
	if decoded["job_id"] != jobID {
		t.Fatalf("expected replay of job %q, got %v", jobID, decoded["job_id"])
	}
	if decoded["status"] != string(domain.JobStatusReady) {
		t.Fatalf("expected replay to report %q, got %v", domain.JobStatusReady, decoded["status"])
	}
}
