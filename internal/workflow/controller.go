package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/iago/health-records-back/internal/domain"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollAttempts = 90
	DefaultCallTimeout     = 30 * time.Second
)

const (
	MessageUploadFailed     = "Failed to upload file. Please try again."
	MessageProcessingFailed = "Processing failed. Please try again."
	MessagePollTimeout      = "Processing is taking longer than expected. Please try again later."
	MessageAnalyzeFailed    = "Failed to analyze report. Please try again."
)

var (
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrClosed            = errors.New("workflow closed")
	ErrCancelled         = errors.New("workflow cancelled")
	ErrAnalysisRunning   = errors.New("analysis already in progress")
	ErrMissingFileID     = errors.New("upload returned no file id")
	ErrEmptyAnalysis     = errors.New("analysis returned no result")
	ErrPollTimeout       = errors.New(MessagePollTimeout)
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Backend processing states reported by the status endpoint.
const (
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// File is a report picked by the user. Size is the declared size in bytes.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Content     io.Reader
}

type ProcessingStatus struct {
	State   string
	Message string
}

// Gateway is the subset of the backend the controller drives. The session
// cookie is bound by the implementation.
type Gateway interface {
	Upload(ctx context.Context, file File, reportType domain.ReportType) (string, error)
	Status(ctx context.Context, fileID string) (ProcessingStatus, error)
	Analyze(ctx context.Context, fileID string) (*domain.AnalysisResult, error)
}

type Config struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	CallTimeout     time.Duration
	Logger          *slog.Logger
}

type Snapshot struct {
	Status       Status                 `json:"status"`
	FileID       string                 `json:"file_id,omitempty"`
	ReportType   domain.ReportType      `json:"report_type,omitempty"`
	PollAttempts int                    `json:"poll_attempts"`
	Analysis     *domain.AnalysisResult `json:"analysis,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// HasResult is true once an analysis is available to preview.
func (s Snapshot) HasResult() bool {
	return s.Analysis != nil
}

type Event string

const (
	EventFileSelected        Event = "file_selected"
	EventUploaded            Event = "uploaded"
	EventUploadFailed        Event = "upload_failed"
	EventPolled              Event = "polled"
	EventProcessingCompleted Event = "processing_completed"
	EventProcessingFailed    Event = "processing_failed"
	EventPollTimeout         Event = "poll_timeout"
	EventAnalyzed            Event = "analyzed"
	EventAnalysisFailed      Event = "analysis_failed"
	EventReset               Event = "reset"
	EventSaved               Event = "saved"
)

// Transition is delivered to observers after every state change. Observers
// may run concurrently; Seq orders them.
type Transition struct {
	Seq      int64
	Event    Event
	From     Status
	To       Status
	Snapshot Snapshot
}

// Handoff carries what the dashboard needs after a report is saved.
type Handoff struct {
	FileID string `json:"file_id"`
	Fresh  bool   `json:"fresh"`
}

// Controller drives one upload from file selection to a saved analysis.
type Controller struct {
	gateway Gateway
	config  Config
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       Snapshot
	poller      *Poller
	abortUpload context.CancelFunc
	generation  uint64
	seq         int64
	analyzing   bool
	closed      bool
	observers   map[int]func(Transition)
	nextID      int
}

func NewController(gateway Gateway, config Config) *Controller {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.MaxPollAttempts <= 0 {
		config.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		gateway:   gateway,
		config:    config,
		logger:    config.Logger,
		ctx:       ctx,
		cancel:    cancel,
		state:     Snapshot{Status: StatusIdle},
		observers: make(map[int]func(Transition)),
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every later transition and returns a function
// that removes it.
func (c *Controller) Subscribe(fn func(Transition)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// SelectFile validates the file, uploads it and starts polling. It blocks
// for the upload only; processing continues in the background.
func (c *Controller) SelectFile(ctx context.Context, file File, reportType domain.ReportType) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Status != StatusIdle {
		status := c.state.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: select file while %s", ErrInvalidTransition, status)
	}

	if err := validateSelection(file, reportType); err != nil {
		c.state.Error = err.Error()
		c.mu.Unlock()
		return err
	}

	c.state = Snapshot{Status: StatusIdle, ReportType: reportType}
	notify := c.transitionLocked(EventFileSelected, StatusUploading)
	generation := c.generation
	uploadCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	c.abortUpload = cancel
	c.mu.Unlock()
	notify()

	fileID, err := c.gateway.Upload(uploadCtx, file, reportType)
	cancel()
	fileID = strings.TrimSpace(fileID)
	if err == nil && fileID == "" {
		err = ErrMissingFileID
	}

	c.mu.Lock()
	if c.generation == generation {
		c.abortUpload = nil
	}
	if c.generation != generation || c.closed {
		c.mu.Unlock()
		return ErrCancelled
	}
	if err != nil {
		c.state.Error = userMessage(err, MessageUploadFailed)
		notify = c.transitionLocked(EventUploadFailed, StatusIdle)
		c.mu.Unlock()
		notify()
		c.logger.Warn("upload failed", slog.String("report_type", string(reportType)), slog.String("error", err.Error()))
		return fmt.Errorf("upload report: %w", err)
	}

	c.state.FileID = fileID
	c.state.PollAttempts = 0
	c.state.Error = ""
	notify = c.transitionLocked(EventUploaded, StatusProcessing)
	c.startPollerLocked()
	c.mu.Unlock()
	notify()

	c.logger.Info("report uploaded", slog.String("file_id", fileID), slog.String("report_type", string(reportType)))
	return nil
}

func validateSelection(file File, reportType domain.ReportType) error {
	if err := ValidateFile(file); err != nil {
		return err
	}
	return ValidateReportType(reportType)
}

func (c *Controller) startPollerLocked() {
	var poller *Poller
	poller = NewPoller(c.config.PollInterval, func(ctx context.Context, seq int64) {
		c.poll(ctx, poller, seq)
	})
	c.poller = poller
	poller.Start(c.ctx)
}

func (c *Controller) stopPollerLocked() {
	if c.abortUpload != nil {
		c.abortUpload()
		c.abortUpload = nil
	}
	if c.poller != nil {
		c.poller.Cancel()
		c.poller = nil
	}
}

func (c *Controller) poll(ctx context.Context, poller *Poller, seq int64) {
	c.mu.Lock()
	if c.poller != poller || c.state.Status != StatusProcessing || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if c.state.PollAttempts >= c.config.MaxPollAttempts {
		c.stopPollerLocked()
		c.state.Error = MessagePollTimeout
		c.state.FileID = ""
		notify := c.transitionLocked(EventPollTimeout, StatusIdle)
		c.mu.Unlock()
		notify()
		c.logger.Warn("processing poll timed out", slog.Int("attempts", c.config.MaxPollAttempts))
		return
	}
	c.state.PollAttempts++
	attempt := c.state.PollAttempts
	fileID := c.state.FileID
	notify := c.transitionLocked(EventPolled, StatusProcessing)
	c.mu.Unlock()
	notify()

	if ctx.Err() != nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	status, err := c.gateway.Status(callCtx, fileID)
	cancel()

	c.mu.Lock()
	if c.poller != poller || c.state.Status != StatusProcessing || !poller.Accept(seq) {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Debug("status check failed", slog.String("file_id", fileID), slog.Int("attempt", attempt), slog.String("error", err.Error()))
		return
	}

	switch strings.ToLower(status.State) {
	case StateCompleted:
		c.stopPollerLocked()
		c.state.Error = ""
		notify = c.transitionLocked(EventProcessingCompleted, StatusReady)
	case StateFailed:
		c.stopPollerLocked()
		message := strings.TrimSpace(status.Message)
		if message == "" {
			message = MessageProcessingFailed
		}
		c.state.Error = message
		c.state.FileID = ""
		notify = c.transitionLocked(EventProcessingFailed, StatusIdle)
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	notify()
}

// Analyze requests the structured analysis for a processed report. A failed
// analysis leaves the controller ready without a result.
func (c *Controller) Analyze(ctx context.Context) (*domain.AnalysisResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state.Status != StatusReady {
		status := c.state.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: analyze while %s", ErrInvalidTransition, status)
	}
	if c.analyzing {
		c.mu.Unlock()
		return nil, ErrAnalysisRunning
	}
	c.analyzing = true
	generation := c.generation
	fileID := c.state.FileID
	c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	result, err := c.gateway.Analyze(callCtx, fileID)
	cancel()
	if err == nil && result == nil {
		err = ErrEmptyAnalysis
	}

	c.mu.Lock()
	if c.generation != generation || c.closed {
		c.mu.Unlock()
		return nil, ErrCancelled
	}
	c.analyzing = false
	if err != nil {
		c.state.Analysis = nil
		c.state.Error = userMessage(err, MessageAnalyzeFailed)
		notify := c.transitionLocked(EventAnalysisFailed, StatusReady)
		c.mu.Unlock()
		notify()
		return nil, fmt.Errorf("analyze report: %w", err)
	}

	c.state.Analysis = result
	c.state.Error = ""
	notify := c.transitionLocked(EventAnalyzed, StatusReady)
	c.mu.Unlock()
	notify()
	return result, nil
}

// Reset returns to idle from any state and discards the current upload.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.generation++
	c.stopPollerLocked()
	c.analyzing = false
	c.state = Snapshot{Status: c.state.Status}
	notify := c.transitionLocked(EventReset, StatusIdle)
	c.mu.Unlock()
	notify()
	return nil
}

// Cancel stops polling and ignores any response still in flight. The state
// is left as is and the controller accepts no further operations.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.generation++
	c.stopPollerLocked()
	c.cancel()
}

// SaveAndContinue hands the analyzed report over to the dashboard and ends
// the controller's lifecycle.
func (c *Controller) SaveAndContinue() (Handoff, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Handoff{}, ErrClosed
	}
	if c.state.Status != StatusReady || c.state.Analysis == nil {
		status := c.state.Status
		c.mu.Unlock()
		return Handoff{}, fmt.Errorf("%w: save while %s without analysis", ErrInvalidTransition, status)
	}

	handoff := Handoff{FileID: c.state.FileID, Fresh: true}
	notify := c.transitionLocked(EventSaved, StatusReady)
	c.closed = true
	c.generation++
	c.stopPollerLocked()
	c.cancel()
	c.mu.Unlock()
	notify()
	return handoff, nil
}

// Wait blocks until the controller is neither uploading nor processing. A
// poll timeout is reported as ErrPollTimeout alongside the idle snapshot.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	changed := make(chan struct{}, 1)
	unsubscribe := c.Subscribe(func(Transition) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		snapshot := c.Snapshot()
		switch snapshot.Status {
		case StatusUploading, StatusProcessing:
		case StatusIdle:
			if snapshot.Error == MessagePollTimeout {
				return snapshot, ErrPollTimeout
			}
			return snapshot, nil
		default:
			return snapshot, nil
		}

		select {
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		case <-c.ctx.Done():
			return c.Snapshot(), ErrClosed
		case <-changed:
		}
	}
}

// transitionLocked moves to status and returns a function that delivers the
// transition to observers. It must be called after the lock is released.
func (c *Controller) transitionLocked(event Event, to Status) func() {
	from := c.state.Status
	c.state.Status = to
	c.seq++
	transition := Transition{
		Seq:      c.seq,
		Event:    event,
		From:     from,
		To:       to,
		Snapshot: c.state,
	}

	observers := make([]func(Transition), 0, len(c.observers))
	for _, observer := range c.observers {
		observers = append(observers, observer)
	}
	return func() {
		for _, observer := range observers {
			observer(transition)
		}
	}
}

type userMessager interface {
	UserMessage() string
}

func userMessage(err error, fallback string) string {
	var messager userMessager
	if errors.As(err, &messager) {
		if message := strings.TrimSpace(messager.UserMessage()); message != "" {
			return message
		}
	}
	return fallback
}
