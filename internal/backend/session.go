package backend

import (
	"context"

	"github.com/iago/health-records-back/internal/domain"
	"github.com/iago/health-records-back/internal/workflow"
)

// Session binds a browser cookie to the client. It is the gateway a
// workflow.Controller drives.
type Session struct {
	client *Client
	cookie string
}

func (c *Client) Session(cookie string) *Session {
	return &Session{client: c, cookie: cookie}
}

func (s *Session) Cookie() string {
	return s.cookie
}

func (s *Session) Upload(ctx context.Context, file workflow.File, reportType domain.ReportType) (string, error) {
	response, err := s.client.Upload(ctx, s.cookie, UploadRequest{
		FileName:     file.Name,
		ContentType:  file.ContentType,
		Content:      file.Content,
		ReportTypeID: reportType.BackendID(),
	})
	if err != nil {
		return "", err
	}
	return response.FileID, nil
}

func (s *Session) Status(ctx context.Context, fileID string) (workflow.ProcessingStatus, error) {
	response, err := s.client.UploadStatus(ctx, s.cookie, fileID)
	if err != nil {
		return workflow.ProcessingStatus{}, err
	}
	return workflow.ProcessingStatus{State: response.Status, Message: response.Message}, nil
}

func (s *Session) Analyze(ctx context.Context, fileID string) (*domain.AnalysisResult, error) {
	return s.client.Analyze(ctx, s.cookie, fileID)
}

var _ workflow.Gateway = (*Session)(nil)
