package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iago/health-records-back/internal/domain"
	"github.com/iago/health-records-back/internal/inspect"
	"github.com/iago/health-records-back/internal/queue"
	"github.com/iago/health-records-back/internal/repository"
	"github.com/iago/health-records-back/internal/workflow"
)

var ErrUploadNotFound = errors.New("upload not found")

// GatewayFactory binds a workflow gateway to one browser session.
type GatewayFactory func(cookie string) workflow.Gateway

type UploadsRecorder interface {
	ObserveTransition(event string)
	SetActiveUploads(count int)
}

type UploadsConfig struct {
	Workflow        workflow.Config
	Retention       time.Duration
	JanitorInterval time.Duration
	EnqueueTimeout  time.Duration
	Recorder        UploadsRecorder
	Logger          *slog.Logger
}

type UploadInput struct {
	FileName    string
	ContentType string
	Content     []byte
	ReportType  domain.ReportType
}

// UploadView is what a client polls for a tracked upload.
type UploadView struct {
	JobID        string                 `json:"job_id"`
	FileID       string                 `json:"file_id,omitempty"`
	ReportType   domain.ReportType      `json:"report_type"`
	FileName     string                 `json:"file_name,omitempty"`
	PageCount    int                    `json:"page_count,omitempty"`
	Status       domain.JobStatus       `json:"status"`
	PollAttempts int                    `json:"poll_attempts"`
	Error        string                 `json:"error,omitempty"`
	Analysis     *domain.AnalysisResult `json:"analysis,omitempty"`
	RiskLevel    string                 `json:"risk_level,omitempty"`
	KeyFindings  []string               `json:"key_findings,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

type trackedUpload struct {
	job        domain.Job
	controller *workflow.Controller

	mu        sync.Mutex
	snapshot  workflow.Snapshot
	lastSeq   int64
	status    domain.JobStatus
	updatedAt time.Time
}

// UploadsService runs upload controllers server-side on behalf of browser
// sessions. Every transition is published as a job event; the worker keeps
// the repository projection current.
type UploadsService struct {
	repo     repository.JobsRepository
	producer queue.Producer
	gateways GatewayFactory
	config   UploadsConfig
	logger   *slog.Logger

	mu      sync.Mutex
	uploads map[string]*trackedUpload
}

func NewUploadsService(
	repo repository.JobsRepository,
	producer queue.Producer,
	gateways GatewayFactory,
	config UploadsConfig,
) *UploadsService {
	if config.Retention <= 0 {
		config.Retention = 30 * time.Minute
	}
	if config.JanitorInterval <= 0 {
		config.JanitorInterval = time.Minute
	}
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Workflow.Logger == nil {
		config.Workflow.Logger = config.Logger
	}

	return &UploadsService{
		repo:     repo,
		producer: producer,
		gateways: gateways,
		config:   config,
		logger:   config.Logger,
		uploads:  make(map[string]*trackedUpload),
	}
}

// OwnerKey identifies a session without keeping its secret.
func OwnerKey(session string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(session)))
	return hex.EncodeToString(sum[:])
}

// Start validates the file, records the job and uploads in the background.
// cookie is forwarded to the backend and never stored.
func (s *UploadsService) Start(ctx context.Context, cookie, session string, input UploadInput) (*domain.Job, error) {
	file := workflow.File{
		Name:        input.FileName,
		ContentType: input.ContentType,
		Size:        int64(len(input.Content)),
		Content:     bytes.NewReader(input.Content),
	}
	if err := workflow.ValidateFile(file); err != nil {
		return nil, err
	}
	if err := workflow.ValidateReportType(input.ReportType); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:          uuid.NewString(),
		OwnerKey:    OwnerKey(session),
		ReportType:  input.ReportType,
		FileName:    input.FileName,
		ContentType: input.ContentType,
		SizeBytes:   int64(len(input.Content)),
		PageCount:   s.pageCount(input),
		Status:      domain.JobStatusUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateJob(ctx, &job); err != nil {
		return nil, fmt.Errorf("create upload job: %w", err)
	}

	tracked := &trackedUpload{
		job:        job,
		controller: workflow.NewController(s.gateways(cookie), s.config.Workflow),
		snapshot:   workflow.Snapshot{Status: workflow.StatusIdle, ReportType: input.ReportType},
		status:     domain.JobStatusUploading,
		updatedAt:  now,
	}
	tracked.controller.Subscribe(func(transition workflow.Transition) {
		s.publish(tracked, transition)
	})

	s.mu.Lock()
	s.uploads[job.ID] = tracked
	active := len(s.uploads)
	s.mu.Unlock()
	s.setActive(active)

	uploadCtx := context.WithoutCancel(ctx)
	go func() {
		err := tracked.controller.SelectFile(uploadCtx, file, input.ReportType)
		if err != nil && !errors.Is(err, workflow.ErrCancelled) {
			s.logger.Warn("tracked upload failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	return &job, nil
}

func (s *UploadsService) pageCount(input UploadInput) int {
	if !strings.HasPrefix(strings.ToLower(input.ContentType), "application/pdf") {
		return 0
	}
	info, err := inspect.PDF(input.Content)
	if err != nil {
		s.logger.Debug("pdf inspection failed", slog.String("file_name", input.FileName), slog.String("error", err.Error()))
		return 0
	}
	if !info.HasText {
		s.logger.Info("pdf has no text layer", slog.String("file_name", input.FileName), slog.Int("pages", info.PageCount))
	}
	return info.PageCount
}

// Get prefers the live controller and falls back to the stored projection.
func (s *UploadsService) Get(ctx context.Context, session, jobID string) (*UploadView, error) {
	owner := OwnerKey(session)
	if tracked, ok := s.lookup(owner, jobID); ok {
		view := tracked.view()
		return &view, nil
	}

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUploadNotFound
		}
		return nil, err
	}
	if job.OwnerKey != owner {
		return nil, ErrUploadNotFound
	}
	view := jobView(job)
	return &view, nil
}

func (s *UploadsService) List(ctx context.Context, session string, filter domain.JobListFilter) ([]UploadView, int, error) {
	filter.OwnerKey = OwnerKey(session)
	jobs, total, err := s.repo.ListJobs(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list uploads: %w", err)
	}
	views := make([]UploadView, 0, len(jobs))
	for index := range jobs {
		views = append(views, jobView(&jobs[index]))
	}
	return views, total, nil
}

func (s *UploadsService) Analyze(ctx context.Context, session, jobID string) (*UploadView, error) {
	tracked, ok := s.lookup(OwnerKey(session), jobID)
	if !ok {
		return nil, ErrUploadNotFound
	}
	if _, err := tracked.controller.Analyze(ctx); err != nil {
		return nil, err
	}
	view := tracked.view()
	return &view, nil
}

func (s *UploadsService) Save(_ context.Context, session, jobID string) (workflow.Handoff, error) {
	tracked, ok := s.lookup(OwnerKey(session), jobID)
	if !ok {
		return workflow.Handoff{}, ErrUploadNotFound
	}
	return tracked.controller.SaveAndContinue()
}

// Delete resets the upload and forgets its controller. The stored
// projection ends up cancelled unless the upload had already finished.
func (s *UploadsService) Delete(_ context.Context, session, jobID string) error {
	owner := OwnerKey(session)
	s.mu.Lock()
	tracked, ok := s.uploads[jobID]
	if !ok || tracked.job.OwnerKey != owner {
		s.mu.Unlock()
		return ErrUploadNotFound
	}
	delete(s.uploads, jobID)
	active := len(s.uploads)
	s.mu.Unlock()

	s.stop(tracked)
	s.setActive(active)
	return nil
}

// RunJanitor evicts uploads that have not changed for the retention period.
func (s *UploadsService) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.config.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.evict(now.UTC())
		}
	}
}

func (s *UploadsService) evict(now time.Time) int {
	s.mu.Lock()
	expired := make([]*trackedUpload, 0)
	for id, tracked := range s.uploads {
		tracked.mu.Lock()
		idle := now.Sub(tracked.updatedAt)
		tracked.mu.Unlock()
		if idle >= s.config.Retention {
			expired = append(expired, tracked)
			delete(s.uploads, id)
		}
	}
	active := len(s.uploads)
	s.mu.Unlock()

	for _, tracked := range expired {
		s.stop(tracked)
		s.logger.Info("tracked upload evicted", slog.String("job_id", tracked.job.ID))
	}
	if len(expired) > 0 {
		s.setActive(active)
	}
	return len(expired)
}

// Close cancels every live controller. In-flight backend answers are
// ignored and stored projections keep their last state.
func (s *UploadsService) Close() {
	s.mu.Lock()
	uploads := s.uploads
	s.uploads = make(map[string]*trackedUpload)
	s.mu.Unlock()

	for _, tracked := range uploads {
		tracked.controller.Cancel()
	}
	s.setActive(0)
}

func (s *UploadsService) stop(tracked *trackedUpload) {
	tracked.mu.Lock()
	finished := tracked.status.Terminal()
	tracked.mu.Unlock()
	if finished {
		tracked.controller.Cancel()
		return
	}
	if err := tracked.controller.Reset(); err != nil && !errors.Is(err, workflow.ErrClosed) {
		s.logger.Warn("reset tracked upload", slog.String("job_id", tracked.job.ID), slog.String("error", err.Error()))
	}
	tracked.controller.Cancel()
}

func (s *UploadsService) lookup(owner, jobID string) (*trackedUpload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, ok := s.uploads[jobID]
	if !ok || tracked.job.OwnerKey != owner {
		return nil, false
	}
	return tracked, true
}

func (s *UploadsService) publish(tracked *trackedUpload, transition workflow.Transition) {
	status := jobStatus(transition)
	if s.config.Recorder != nil {
		s.config.Recorder.ObserveTransition(string(transition.Event))
	}

	now := time.Now().UTC()
	tracked.mu.Lock()
	if transition.Seq > tracked.lastSeq {
		tracked.lastSeq = transition.Seq
		tracked.snapshot = transition.Snapshot
		tracked.status = status
		tracked.updatedAt = now
		// Failed uploads keep the file id they were processing.
		if transition.Snapshot.FileID != "" {
			tracked.job.FileID = transition.Snapshot.FileID
		}
	}
	fileID := tracked.job.FileID
	tracked.mu.Unlock()

	event := domain.JobEvent{
		JobID:        tracked.job.ID,
		Sequence:     transition.Seq,
		Status:       status,
		FileID:       fileID,
		PollAttempts: transition.Snapshot.PollAttempts,
		ErrorMessage: transition.Snapshot.Error,
		OccurredAt:   now,
	}
	if analysis := transition.Snapshot.Analysis; analysis != nil {
		encoded, err := json.Marshal(analysis)
		if err == nil {
			event.Analysis = encoded
			event.RiskLevel = string(workflow.DeriveRiskLevel(analysis.KeyFindings))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.EnqueueTimeout)
	defer cancel()
	if err := s.producer.Enqueue(ctx, event); err != nil {
		s.logger.Warn("publish upload event failed",
			slog.String("job_id", event.JobID),
			slog.Int64("sequence", event.Sequence),
			slog.String("error", err.Error()),
		)
	}
}

func (s *UploadsService) setActive(count int) {
	if s.config.Recorder != nil {
		s.config.Recorder.SetActiveUploads(count)
	}
}

func jobStatus(transition workflow.Transition) domain.JobStatus {
	switch transition.Event {
	case workflow.EventFileSelected:
		return domain.JobStatusUploading
	case workflow.EventUploaded, workflow.EventPolled:
		return domain.JobStatusProcessing
	case workflow.EventProcessingCompleted, workflow.EventAnalyzed, workflow.EventAnalysisFailed:
		return domain.JobStatusReady
	case workflow.EventUploadFailed, workflow.EventProcessingFailed, workflow.EventPollTimeout:
		return domain.JobStatusFailed
	case workflow.EventSaved:
		return domain.JobStatusSaved
	case workflow.EventReset:
		return domain.JobStatusCancelled
	}
	return domain.JobStatus(transition.To)
}

func (t *trackedUpload) view() UploadView {
	t.mu.Lock()
	defer t.mu.Unlock()

	view := UploadView{
		JobID:        t.job.ID,
		FileID:       t.job.FileID,
		ReportType:   t.job.ReportType,
		FileName:     t.job.FileName,
		PageCount:    t.job.PageCount,
		Status:       t.status,
		PollAttempts: t.snapshot.PollAttempts,
		Error:        t.snapshot.Error,
		Analysis:     t.snapshot.Analysis,
		UpdatedAt:    t.updatedAt,
	}
	if view.Analysis != nil {
		view.RiskLevel = string(workflow.DeriveRiskLevel(view.Analysis.KeyFindings))
		view.KeyFindings = workflow.FormatKeyFindings(view.Analysis.KeyFindings)
	}
	return view
}

func jobView(job *domain.Job) UploadView {
	view := UploadView{
		JobID:        job.ID,
		FileID:       job.FileID,
		ReportType:   job.ReportType,
		FileName:     job.FileName,
		PageCount:    job.PageCount,
		Status:       job.Status,
		PollAttempts: job.PollAttempts,
		Error:        job.ErrorMessage,
		RiskLevel:    job.RiskLevel,
		UpdatedAt:    job.UpdatedAt,
	}
	if len(job.Analysis) > 0 {
		var analysis domain.AnalysisResult
		if err := json.Unmarshal(job.Analysis, &analysis); err == nil {
			view.Analysis = &analysis
			view.KeyFindings = workflow.FormatKeyFindings(analysis.KeyFindings)
		}
	}
	return view
}
