package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/iago/health-records-back/internal/backend"
	"github.com/iago/health-records-back/internal/chat"
	"github.com/iago/health-records-back/internal/dashboard"
	httpserver "github.com/iago/health-records-back/internal/http"
	"github.com/iago/health-records-back/internal/http/handlers"
	"github.com/iago/health-records-back/internal/logs"
	"github.com/iago/health-records-back/internal/metrics"
	"github.com/iago/health-records-back/internal/queue"
	"github.com/iago/health-records-back/internal/repository"
	"github.com/iago/health-records-back/internal/service"
	"github.com/iago/health-records-back/internal/worker"
	"github.com/iago/health-records-back/internal/workflow"
	"golang.org/x/sync/errgroup"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC   string           `json:"generated_at_utc"`
	Environment      string           `json:"environment"`
	BackendLatencyMS int              `json:"backend_latency_ms"`
	Results          []scenarioResult `json:"results"`
	DashboardCreates int64            `json:"dashboard_creates"`
	SLOEvaluation    map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server  *httptest.Server
	records *recordsBackend
	cancel  context.CancelFunc
}

func main() {
	chatTotal := flag.Int("chat-total", 240, "total chat dispatch requests")
	chatConcurrency := flag.Int("chat-concurrency", 24, "concurrency for chat requests")
	dashboardTotal := flag.Int("dashboard-total", 200, "total dashboard loads")
	dashboardConcurrency := flag.Int("dashboard-concurrency", 32, "concurrency for dashboard loads")
	dashboardFiles := flag.Int("dashboard-files", 8, "distinct files the dashboard loads spread over")
	uploadsTotal := flag.Int("uploads-total", 80, "total tracked uploads driven to ready")
	uploadsConcurrency := flag.Int("uploads-concurrency", 16, "concurrency for tracked uploads")
	backendLatency := flag.Duration("backend-latency", 5*time.Millisecond, "artificial latency of the fake records backend")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env := startBenchmarkEnvironment(*backendLatency)
	defer env.cancel()
	defer env.server.Close()

	client := &http.Client{Timeout: 10 * time.Second}

	chatScenario := runScenario("chat_recent", *chatTotal, *chatConcurrency, func(index int) error {
		payload := map[string]any{"action": chat.ActionRecent}
		if index%3 == 0 {
			payload["search"] = "blood"
		}
		return postJSON(client, env.server.URL+"/api/chat", sessionCookie(index), payload, http.StatusOK)
	})

	dashboardScenario := runScenario("dashboard_get_or_create", *dashboardTotal, *dashboardConcurrency, func(index int) error {
		// All loads of one file share a session so creation is deduplicated.
		fileIndex := index % max(*dashboardFiles, 1)
		url := fmt.Sprintf("%s/api/dashboard?file_id=file-%d", env.server.URL, fileIndex)
		return getJSON(client, url, sessionCookie(fileIndex), http.StatusOK, nil)
	})

	uploadsScenario := runScenario("tracked_upload_to_ready", *uploadsTotal, *uploadsConcurrency, func(index int) error {
		return driveTrackedUpload(client, env.server.URL, sessionCookie(index))
	})

	results := []scenarioResult{chatScenario, dashboardScenario, uploadsScenario}
	creates := env.records.dashboardCreates()
	slo := map[string]bool{
		"chat_dispatch_p95_le_250ms":         chatScenario.P95MS <= 250,
		"dashboard_single_create_per_file":   creates <= int64(max(*dashboardFiles, 1)),
		"tracked_upload_ready_p95_le_2000ms": uploadsScenario.P95MS <= 2000,
	}

	report := runResult{
		GeneratedAtUTC:   time.Now().UTC().Format(time.RFC3339Nano),
		Environment:      "local-httptest",
		BackendLatencyMS: int(backendLatency.Milliseconds()),
		Results:          results,
		DashboardCreates: creates,
		SLOEvaluation:    slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment(latency time.Duration) *benchmarkEnv {
	ctx, cancel := context.WithCancel(context.Background())
	logger := logs.Discard()

	records := newRecordsBackend(latency)
	recorder := metrics.New()
	repo := repository.NewMemoryJobsRepository()
	localQueue := queue.NewLocalQueue(4096, 3, logger)

	client := backend.NewClient(backend.ClientConfig{
		BaseURL:  records.server.URL,
		Timeout:  5 * time.Second,
		Logger:   logger,
		Recorder: recorder,
	})
	uploads := service.NewUploadsService(
		repo,
		localQueue,
		func(cookie string) workflow.Gateway { return client.Session(cookie) },
		service.UploadsConfig{
			Workflow: workflow.Config{
				PollInterval:    10 * time.Millisecond,
				MaxPollAttempts: 50,
				CallTimeout:     5 * time.Second,
			},
			Recorder: recorder,
			Logger:   logger,
		},
	)

	api := handlers.NewAPI(handlers.Dependencies{
		Backend:    client,
		Dashboards: dashboard.NewService(client, dashboard.Config{Recorder: recorder, Logger: logger}),
		Chats:      chat.NewService(client),
		Uploads:    uploads,
		Logger:     logger,
	})
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		Recorder:       recorder,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	processor := worker.NewProcessor(localQueue, repo, recorder, logger)
	go processor.Start(ctx)

	server := httptest.NewServer(router)
	return &benchmarkEnv{
		server:  server,
		records: records,
		cancel: func() {
			cancel()
			uploads.Close()
			records.server.Close()
		},
	}
}

// recordsBackend answers the backend endpoints the scenarios reach. Uploads
// report "processing" on the first status check and "completed" after.
type recordsBackend struct {
	server *httptest.Server

	mu         sync.Mutex
	dashboards map[string]bool
	statusSeen map[string]int
	creates    int64
	nextFileID int
}

func newRecordsBackend(latency time.Duration) *recordsBackend {
	records := &recordsBackend{
		dashboards: make(map[string]bool),
		statusSeen: make(map[string]int),
	}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat/recent-chat", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"chat_id":"c-1","chat_name":"Blood test questions","file_id":"file-0"}]`))
	})
	mux.HandleFunc("GET /dashboard/{id}", func(w http.ResponseWriter, r *http.Request) {
		records.mu.Lock()
		exists := records.dashboards[r.PathValue("id")]
		records.mu.Unlock()
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Dashboard not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"dashboard_id":"d-1","dashboard_type":"blood"}`))
	})
	mux.HandleFunc("POST /dashboard/create", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FileID string `json:"file_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		records.mu.Lock()
		records.dashboards[body.FileID] = true
		records.creates++
		records.mu.Unlock()
		_, _ = w.Write([]byte(`{"dashboard_id":"d-1","dashboard_type":"blood"}`))
	})
	mux.HandleFunc("POST /upload/upload-file", func(w http.ResponseWriter, r *http.Request) {
		records.mu.Lock()
		records.nextFileID++
		fileID := fmt.Sprintf("f-%d", records.nextFileID)
		records.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"file_id":%q,"status":"processing","message":"File uploaded"}`, fileID)
	})
	mux.HandleFunc("GET /upload/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		records.mu.Lock()
		records.statusSeen[r.PathValue("id")]++
		seen := records.statusSeen[r.PathValue("id")]
		records.mu.Unlock()
		if seen < 2 {
			_, _ = w.Write([]byte(`{"status":"processing"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"completed"}`))
	})

	records.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if latency > 0 {
			time.Sleep(latency)
		}
		w.Header().Set("Content-Type", "application/json")
		mux.ServeHTTP(w, r)
	}))
	return records
}

func (r *recordsBackend) dashboardCreates() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates
}

func sessionCookie(index int) string {
	return fmt.Sprintf("session_id=bench-%d", index)
}

func driveTrackedUpload(client *http.Client, baseURL, cookie string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="scan.png"`)
	header.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	_, _ = part.Write([]byte("\x89PNG\r\n\x1a\nbenchmark"))
	_ = writer.WriteField("reportType", "blood-test-report")
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, baseURL+"/v1/uploads", &body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("Cookie", cookie)

	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := doJSON(client, request, http.StatusAccepted, &accepted); err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var view struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := getJSON(client, baseURL+"/v1/uploads/"+accepted.JobID, cookie, http.StatusOK, &view); err != nil {
			return err
		}
		switch view.Status {
		case "ready":
			return nil
		case "failed", "cancelled":
			return fmt.Errorf("upload %s ended %s: %s", accepted.JobID, view.Status, view.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("upload %s not ready before deadline", accepted.JobID)
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	type sample struct {
		durationMS float64
		err        string
	}

	startedAt := time.Now()
	samples := make([]sample, total)
	var group errgroup.Group
	group.SetLimit(concurrency)
	for index := 0; index < total; index++ {
		group.Go(func() error {
			requestStart := time.Now()
			err := requestFn(index)
			samples[index].durationMS = float64(time.Since(requestStart).Microseconds()) / 1000.0
			if err != nil {
				samples[index].err = err.Error()
			}
			return nil
		})
	}
	_ = group.Wait()

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for _, item := range samples {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postJSON(client *http.Client, url, cookie string, payload any, expectedStatus int) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Cookie", cookie)
	return doJSON(client, request, expectedStatus, nil)
}

func getJSON(client *http.Client, url, cookie string, expectedStatus int, target any) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Cookie", cookie)
	return doJSON(client, request, expectedStatus, target)
}

// doJSON sends request and decodes the body into target when it is not nil.
func doJSON(client *http.Client, request *http.Request, expectedStatus int, target any) error {
	request.Header.Set("Accept", "application/json")
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
