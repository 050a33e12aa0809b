package dashboard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/iago/health-records-back/internal/backend"
	"golang.org/x/sync/singleflight"
)

var ErrPending = errors.New("dashboard is being generated")

const (
	ReasonFresh   = "fresh"
	ReasonMissing = "missing"
)

// Backend is the part of the records backend dealing with dashboards.
type Backend interface {
	GetDashboard(ctx context.Context, cookie, fileID string) (*backend.Response, error)
	CreateDashboard(ctx context.Context, cookie, fileID string) (*backend.Response, error)
}

// Locker guards dashboard creation across API instances. release must be
// safe to call after the lock expired.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

type Recorder interface {
	ObserveDashboardCreate(reason string)
}

type Config struct {
	Locker       Locker
	LockTTL      time.Duration
	WaitAttempts int
	WaitInterval time.Duration
	Recorder     Recorder
	Logger       *slog.Logger
}

type Result struct {
	Body    json.RawMessage
	Created bool
}

// Service fetches a dashboard and creates it when the backend has none.
type Service struct {
	backend Backend
	config  Config
	logger  *slog.Logger
	group   singleflight.Group
}

func NewService(dashboards Backend, config Config) *Service {
	if config.LockTTL <= 0 {
		config.LockTTL = 15 * time.Second
	}
	if config.WaitAttempts <= 0 {
		config.WaitAttempts = 5
	}
	if config.WaitInterval <= 0 {
		config.WaitInterval = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{backend: dashboards, config: config, logger: config.Logger}
}

// Load returns the dashboard for fileID. With fresh set the GET is skipped
// and a dashboard is created directly; otherwise only a 404 leads to
// creation.
func (s *Service) Load(ctx context.Context, cookie, fileID string, fresh bool) (*Result, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, backend.ErrEmptyFileID
	}
	if fresh {
		return s.create(ctx, cookie, fileID, ReasonFresh)
	}

	response, err := s.backend.GetDashboard(ctx, cookie, fileID)
	if err != nil {
		return nil, fmt.Errorf("fetch dashboard: %w", err)
	}
	if response.OK() {
		return &Result{Body: response.Body}, nil
	}
	if response.StatusCode != http.StatusNotFound {
		return nil, response.Err("Failed to fetch dashboard")
	}
	return s.create(ctx, cookie, fileID, ReasonMissing)
}

func (s *Service) create(ctx context.Context, cookie, fileID, reason string) (*Result, error) {
	key := fileID + ":" + ownerHash(cookie)
	// Callers share one creation; it must not die with the first caller.
	createCtx := context.WithoutCancel(ctx)

	result := s.group.DoChan(key, func() (any, error) {
		return s.createLocked(createCtx, cookie, fileID, reason)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case outcome := <-result:
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Val.(*Result), nil
	}
}

func (s *Service) createLocked(ctx context.Context, cookie, fileID, reason string) (*Result, error) {
	if s.config.Locker != nil {
		release, acquired, err := s.config.Locker.Acquire(ctx, "dashboard:create:"+fileID, s.config.LockTTL)
		switch {
		case err != nil:
			s.logger.Warn("dashboard lock unavailable, creating without it",
				slog.String("file_id", fileID),
				slog.String("error", err.Error()),
			)
		case !acquired:
			return s.awaitExisting(ctx, cookie, fileID)
		default:
			defer release()
		}
	}

	response, err := s.backend.CreateDashboard(ctx, cookie, fileID)
	if err != nil {
		return nil, fmt.Errorf("create dashboard: %w", err)
	}
	if !response.OK() {
		return nil, response.Err("Failed to create dashboard")
	}

	if s.config.Recorder != nil {
		s.config.Recorder.ObserveDashboardCreate(reason)
	}
	s.logger.Info("dashboard created", slog.String("file_id", fileID), slog.String("reason", reason))
	return &Result{Body: response.Body, Created: true}, nil
}

// awaitExisting polls GET while another instance holds the creation lock.
func (s *Service) awaitExisting(ctx context.Context, cookie, fileID string) (*Result, error) {
	for attempt := 1; attempt <= s.config.WaitAttempts; attempt++ {
		timer := time.NewTimer(s.config.WaitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		response, err := s.backend.GetDashboard(ctx, cookie, fileID)
		if err != nil {
			return nil, fmt.Errorf("fetch dashboard: %w", err)
		}
		if response.OK() {
			return &Result{Body: response.Body}, nil
		}
		if response.StatusCode != http.StatusNotFound {
			return nil, response.Err("Failed to fetch dashboard")
		}
	}
	return nil, ErrPending
}

func ownerHash(cookie string) string {
	sum := sha256.Sum256([]byte(cookie))
	return hex.EncodeToString(sum[:8])
}
