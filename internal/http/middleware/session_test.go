package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSessionPrefersAccessToken(t *testing.T) {
	var got SessionInfo
	handler := Session(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetSession(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	request.Header.Set("Cookie", "session_id=s1; access_token=t1; theme=dark")
	handler.ServeHTTP(httptest.NewRecorder(), request)

	if got.Token != "t1" || got.SessionID != "s1" {
		t.Fatalf("unexpected session %+v", got)
	}
	if got.Cookie != "session_id=s1; access_token=t1; theme=dark" {
		t.Fatalf("expected raw cookie header, got %q", got.Cookie)
	}
}

func TestSessionRequiredForV1(t *testing.T) {
	nextCalled := false
	handler := Session(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/uploads/abc", nil))

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if nextCalled {
		t.Fatalf("expected handler not to run without a session")
	}
}

func TestSessionOptionalOutsideV1(t *testing.T) {
	nextCalled := false
	handler := Session(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		if GetSession(r.Context()).Authenticated() {
			t.Errorf("expected anonymous session")
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	if !nextCalled {
		t.Fatalf("expected login to pass through without a session")
	}
}

type recordedRequest struct {
	route  string
	status int
}

type fakeRecorder struct {
	requests []recordedRequest
}

func (f *fakeRecorder) ObserveHTTPRequest(_ string, route string, statusCode int, _ time.Duration) {
	f.requests = append(f.requests, recordedRequest{route: route, status: statusCode})
}

func TestTraceRecordsRouteAndStatus(t *testing.T) {
	recorder := &fakeRecorder{}
	handler := Trace(nil, recorder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetRoute(r.Context(), "GET /api/health")
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health?file_id=1", nil))

	if len(recorder.requests) != 1 {
		t.Fatalf("expected one observation, got %d", len(recorder.requests))
	}
	if recorder.requests[0].route != "GET /api/health" || recorder.requests[0].status != http.StatusNotFound {
		t.Fatalf("unexpected observation %+v", recorder.requests[0])
	}
}

func TestRequestIDReplacesUnsafeInboundID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", "abc\"} injected")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if seen == "" || seen == "abc\"} injected" {
		t.Fatalf("expected generated request id, got %q", seen)
	}
	if recorder.Header().Get("X-Request-Id") != seen {
		t.Fatalf("expected response header to echo %q, got %q", seen, recorder.Header().Get("X-Request-Id"))
	}

	request = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", "frontend-42")
	handler.ServeHTTP(httptest.NewRecorder(), request)
	if seen != "frontend-42" {
		t.Fatalf("expected inbound id to be kept, got %q", seen)
	}
}
