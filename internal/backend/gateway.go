package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/iago/health-records-back/internal/domain"
)

type UploadRequest struct {
	FileName     string
	ContentType  string
	Content      io.Reader
	ReportTypeID string
}

type UploadResponse struct {
	FileID  string `json:"file_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type StatusResponse struct {
	Status  string
	Message string
}

// UploadFileRequest encodes the multipart body expected by /upload/upload-file.
func UploadFileRequest(cookie string, upload UploadRequest) (Request, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	contentType := strings.TrimSpace(upload.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="report_file"; filename="%s"`, escapeQuotes(upload.FileName)))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return Request{}, fmt.Errorf("create report_file part: %w", err)
	}
	if _, err := io.Copy(part, upload.Content); err != nil {
		return Request{}, fmt.Errorf("copy report_file: %w", err)
	}
	if err := writer.WriteField("report_type_id", upload.ReportTypeID); err != nil {
		return Request{}, fmt.Errorf("write report_type_id: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Request{}, fmt.Errorf("close multipart body: %w", err)
	}

	return Request{
		Endpoint:    "upload_file",
		Method:      http.MethodPost,
		Path:        "/upload/upload-file",
		Cookie:      cookie,
		ContentType: writer.FormDataContentType(),
		Body:        body.Bytes(),
	}, nil
}

func (c *Client) Upload(ctx context.Context, cookie string, upload UploadRequest) (*UploadResponse, error) {
	request, err := UploadFileRequest(cookie, upload)
	if err != nil {
		return nil, err
	}
	response, err := c.Do(ctx, request)
	if err != nil {
		return nil, err
	}
	if !response.OK() {
		return nil, response.Err("Failed to upload file")
	}

	var decoded UploadResponse
	if err := json.Unmarshal(response.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &decoded, nil
}

func (c *Client) UploadStatus(ctx context.Context, cookie, fileID string) (*StatusResponse, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, ErrEmptyFileID
	}
	response, err := c.Do(ctx, Request{
		Endpoint: "upload_status",
		Method:   http.MethodGet,
		Path:     "/upload/status/" + url.PathEscape(fileID),
		Cookie:   cookie,
	})
	if err != nil {
		return nil, err
	}
	if !response.OK() {
		return nil, response.Err("Failed to check upload status")
	}

	var decoded map[string]any
	if err := json.Unmarshal(response.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	status, _ := decoded["status"].(string)
	message := messageFromValue(decoded["error"])
	if message == "" {
		message = messageFromValue(decoded["detail"])
	}
	return &StatusResponse{
		Status:  strings.ToLower(strings.TrimSpace(status)),
		Message: message,
	}, nil
}

func (c *Client) Analyze(ctx context.Context, cookie, fileID string) (*domain.AnalysisResult, error) {
	response, err := c.AnalyzeRaw(ctx, cookie, fileID)
	if err != nil {
		return nil, err
	}
	if !response.OK() {
		return nil, response.Err("Failed to analyze report")
	}

	var decoded domain.AnalysisResult
	if err := json.Unmarshal(response.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	return &decoded, nil
}

func (c *Client) AnalyzeRaw(ctx context.Context, cookie, fileID string) (*Response, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, ErrEmptyFileID
	}
	return c.Do(ctx, Request{
		Endpoint: "upload_analyze",
		Method:   http.MethodPost,
		Path:     "/upload/analyze/" + url.PathEscape(fileID),
		Cookie:   cookie,
	})
}

func (c *Client) GetDashboard(ctx context.Context, cookie, fileID string) (*Response, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, ErrEmptyFileID
	}
	return c.Do(ctx, Request{
		Endpoint: "dashboard_get",
		Method:   http.MethodGet,
		Path:     "/dashboard/" + url.PathEscape(fileID),
		Cookie:   cookie,
	})
}

func (c *Client) CreateDashboard(ctx context.Context, cookie, fileID string) (*Response, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, ErrEmptyFileID
	}
	request, err := JSONRequest("dashboard_create", http.MethodPost, "/dashboard/create", cookie, map[string]string{
		"file_id": fileID,
	})
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, request)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(value string) string {
	return quoteEscaper.Replace(value)
}
