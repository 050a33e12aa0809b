package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/iago/health-records-back/internal/policy"
)

const maxLoggedBody = 700

// Recorder receives one observation per backend call.
type Recorder interface {
	ObserveBackendCall(endpoint string, statusCode int, duration time.Duration)
}

type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Recorder   Recorder
}

// Client talks to the backend gateway. It never retries: every method maps to
// exactly one HTTP call.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	recorder   Recorder
}

func NewClient(config ClientConfig) *Client {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "http://localhost:8000"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
		logger:     config.Logger,
		recorder:   config.Recorder,
	}
}

// Request describes a single backend call. Endpoint is a low-cardinality
// label used for logs and metrics.
type Request struct {
	Endpoint    string
	Method      string
	Path        string
	Query       url.Values
	Cookie      string
	ContentType string
	Body        []byte
}

// Response is the raw backend answer, whatever its status.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// Err converts a non-2xx response into an HTTPError, using fallback when the
// body carries no usable message.
func (r *Response) Err(fallback string) *HTTPError {
	message := ErrorMessage(r.Body)
	if message == "" {
		message = fallback
	}
	return &HTTPError{StatusCode: r.StatusCode, Message: message}
}

// JSONRequest builds a request with a JSON encoded body.
func JSONRequest(endpoint, method, path, cookie string, payload any) (Request, error) {
	request := Request{
		Endpoint: endpoint,
		Method:   method,
		Path:     path,
		Cookie:   cookie,
	}
	if payload == nil {
		return request, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Request{}, fmt.Errorf("marshal %s payload: %w", endpoint, err)
	}
	request.ContentType = "application/json"
	request.Body = encoded
	return request, nil
}

// Do performs the call. Transport failures are returned as errors; any HTTP
// status, including 4xx and 5xx, is returned as a Response.
func (c *Client) Do(ctx context.Context, request Request) (*Response, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + request.Path
	if len(request.Query) > 0 {
		target += "?" + request.Query.Encode()
	}

	var body io.Reader
	if request.Body != nil {
		body = bytes.NewReader(request.Body)
	}
	httpRequest, err := http.NewRequestWithContext(timeoutCtx, request.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", request.Endpoint, err)
	}
	httpRequest.Header.Set("Accept", "application/json")
	if request.ContentType != "" {
		httpRequest.Header.Set("Content-Type", request.ContentType)
	}
	if request.Cookie != "" {
		httpRequest.Header.Set("Cookie", request.Cookie)
	}

	start := time.Now()
	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		c.observe(request.Endpoint, 0, time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("backend %s timeout: %w", request.Endpoint, err)
		}
		return nil, fmt.Errorf("backend %s transport error: %w", request.Endpoint, err)
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(httpResponse.Body)
	c.observe(request.Endpoint, httpResponse.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", request.Endpoint, err)
	}

	response := &Response{
		StatusCode: httpResponse.StatusCode,
		Header:     httpResponse.Header.Clone(),
		Body:       raw,
	}
	if !response.OK() {
		snippet := truncateUTF8(string(policy.MaskPIIJSON(raw)), maxLoggedBody)
		c.logger.Warn("backend call rejected",
			slog.String("endpoint", request.Endpoint),
			slog.Int("status", response.StatusCode),
			slog.String("body", snippet),
		)
	}
	return response, nil
}

func (c *Client) observe(endpoint string, statusCode int, duration time.Duration) {
	if c.recorder != nil {
		c.recorder.ObserveBackendCall(endpoint, statusCode, duration)
	}
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
