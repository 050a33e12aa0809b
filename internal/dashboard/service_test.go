package dashboard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/health-records-back/internal/backend"
)

type fakeDashboards struct {
	gets    int32
	creates int32

	getStatus   func(call int32) int
	createDelay time.Duration
}

func (f *fakeDashboards) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/dashboard/"):
			call := atomic.AddInt32(&f.gets, 1)
			status := http.StatusNotFound
			if f.getStatus != nil {
				status = f.getStatus(call)
			}
			w.WriteHeader(status)
			switch status {
			case http.StatusOK:
				_, _ = w.Write([]byte(`{"dashboard_id":"d1","topBar":{}}`))
			case http.StatusNotFound:
				_, _ = w.Write([]byte(`{"detail":"Dashboard not found"}`))
			default:
				_, _ = w.Write([]byte(`{"detail":"Database unavailable"}`))
			}
		case r.Method == http.MethodPost && r.URL.Path == "/dashboard/create":
			atomic.AddInt32(&f.creates, 1)
			time.Sleep(f.createDelay)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"dashboard_id":"d-new","middleSection":{}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

type stubLocker struct {
	acquired bool
	err      error
	released int32
}

func (l *stubLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { atomic.AddInt32(&l.released, 1) }, true, nil
}

func newService(server *httptest.Server, config Config) *Service {
	client := backend.NewClient(backend.ClientConfig{BaseURL: server.URL, Timeout: 2 * time.Second})
	return NewService(client, config)
}

func TestLoadFreshSkipsGet(t *testing.T) {
	fake := &fakeDashboards{}
	server := fake.server()
	defer server.Close()

	result, err := newService(server, Config{}).Load(context.Background(), "access_token=a", "f1", true)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !result.Created {
		t.Fatalf("expected created result")
	}
	if gets := atomic.LoadInt32(&fake.gets); gets != 0 {
		t.Fatalf("expected no GET, got %d", gets)
	}
	if creates := atomic.LoadInt32(&fake.creates); creates != 1 {
		t.Fatalf("expected one create, got %d", creates)
	}
}

func TestLoadExistingDashboard(t *testing.T) {
	fake := &fakeDashboards{getStatus: func(int32) int { return http.StatusOK }}
	server := fake.server()
	defer server.Close()

	result, err := newService(server, Config{}).Load(context.Background(), "", "f1", false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Created || !strings.Contains(string(result.Body), `"d1"`) {
		t.Fatalf("expected existing dashboard, got %+v", result)
	}
	if creates := atomic.LoadInt32(&fake.creates); creates != 0 {
		t.Fatalf("expected no create, got %d", creates)
	}
}

func TestLoadCreatesOnNotFound(t *testing.T) {
	fake := &fakeDashboards{}
	server := fake.server()
	defer server.Close()

	result, err := newService(server, Config{}).Load(context.Background(), "", "f1", false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !result.Created || !strings.Contains(string(result.Body), `"d-new"`) {
		t.Fatalf("expected created dashboard, got %+v", result)
	}
	if gets, creates := atomic.LoadInt32(&fake.gets), atomic.LoadInt32(&fake.creates); gets != 1 || creates != 1 {
		t.Fatalf("expected 1 GET and 1 create, got %d and %d", gets, creates)
	}
}

func TestLoadDoesNotCreateOnServerError(t *testing.T) {
	fake := &fakeDashboards{getStatus: func(int32) int { return http.StatusInternalServerError }}
	server := fake.server()
	defer server.Close()

	_, err := newService(server, Config{}).Load(context.Background(), "", "f1", false)
	var httpErr *backend.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusInternalServerError || httpErr.Message != "Database unavailable" {
		t.Fatalf("expected 500 Database unavailable, got %d %q", httpErr.StatusCode, httpErr.Message)
	}
	if creates := atomic.LoadInt32(&fake.creates); creates != 0 {
		t.Fatalf("expected no create, got %d", creates)
	}
}

func TestConcurrentLoadsCreateOnce(t *testing.T) {
	fake := &fakeDashboards{createDelay: 100 * time.Millisecond}
	server := fake.server()
	defer server.Close()

	service := newService(server, Config{})
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.Load(context.Background(), "access_token=a", "f1", false); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("expected success, got %v", err)
	}

	if creates := atomic.LoadInt32(&fake.creates); creates != 1 {
		t.Fatalf("expected a single create, got %d", creates)
	}
}

func TestLostLockWaitsForOtherInstance(t *testing.T) {
	fake := &fakeDashboards{getStatus: func(call int32) int {
		if call < 3 {
			return http.StatusNotFound
		}
		return http.StatusOK
	}}
	server := fake.server()
	defer server.Close()

	service := newService(server, Config{
		Locker:       &stubLocker{acquired: false},
		WaitInterval: time.Millisecond,
	})
	result, err := service.Load(context.Background(), "", "f1", false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Created {
		t.Fatalf("expected dashboard created elsewhere")
	}
	if creates := atomic.LoadInt32(&fake.creates); creates != 0 {
		t.Fatalf("expected no create from this instance, got %d", creates)
	}
}

func TestLostLockGivesUpWhenStillMissing(t *testing.T) {
	fake := &fakeDashboards{}
	server := fake.server()
	defer server.Close()

	service := newService(server, Config{
		Locker:       &stubLocker{acquired: false},
		WaitAttempts: 2,
		WaitInterval: time.Millisecond,
	})
	if _, err := service.Load(context.Background(), "", "f1", false); !errors.Is(err, ErrPending) {
		t.Fatalf("expected ErrPending, got %v", err)
	}
}

func TestLockErrorFailsOpen(t *testing.T) {
	fake := &fakeDashboards{}
	server := fake.server()
	defer server.Close()

	locker := &stubLocker{err: errors.New("redis down")}
	result, err := newService(server, Config{Locker: locker}).Load(context.Background(), "", "f1", true)
	if err != nil || !result.Created {
		t.Fatalf("expected creation without lock, got %+v err=%v", result, err)
	}
}

func TestHeldLockIsReleased(t *testing.T) {
	fake := &fakeDashboards{}
	server := fake.server()
	defer server.Close()

	locker := &stubLocker{acquired: true}
	if _, err := newService(server, Config{Locker: locker}).Load(context.Background(), "", "f1", true); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if released := atomic.LoadInt32(&locker.released); released != 1 {
		t.Fatalf("expected lock released once, got %d", released)
	}
}

func TestLoadRequiresFileID(t *testing.T) {
	service := NewService(backend.NewClient(backend.ClientConfig{}), Config{})
	if _, err := service.Load(context.Background(), "", " ", false); !errors.Is(err, backend.ErrEmptyFileID) {
		t.Fatalf("expected ErrEmptyFileID, got %v", err)
	}
}
