package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiClient is a thin JSON client for the fetcharrd HTTP API.
type apiClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *apiClient) delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("is fetcharrd running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("daemon returned %d", resp.StatusCode)
}

// Response shapes mirroring the daemon API.

type statusView struct {
	Running        bool           `json:"running"`
	DBPath         string         `json:"dbPath"`
	LockFilePath   string         `json:"lockFilePath"`
	Templates      []string       `json:"templates"`
	Jobs           map[string]int `json:"jobs"`
	Approvals      int            `json:"pendingApprovals"`
	EncodersOnline int            `json:"encodersOnline"`
	EncodersTotal  int            `json:"encodersTotal"`
	Executions     int            `json:"executions"`
}

type executionView struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"requestId"`
	TemplateID   string     `json:"templateId"`
	Status       string     `json:"status"`
	ParentID     string     `json:"parentId,omitempty"`
	BranchKey    string     `json:"branchKey,omitempty"`
	ErrorMessage string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

type jobView struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	Priority     int       `json:"priority"`
	Progress     float64   `json:"progress"`
	RequestID    string    `json:"requestId,omitempty"`
	ExecutionID  string    `json:"executionId,omitempty"`
	Delegated    bool      `json:"delegated"`
	ErrorMessage string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type approvalView struct {
	ID           int64      `json:"id"`
	RequestID    string     `json:"requestId"`
	ExecutionID  string     `json:"executionId"`
	StepPath     string     `json:"stepPath"`
	Status       string     `json:"status"`
	RequiredRole string     `json:"requiredRole,omitempty"`
	TimeoutHours int        `json:"timeoutHours,omitempty"`
	AutoAction   string     `json:"autoAction,omitempty"`
	DecidedBy    string     `json:"decidedBy,omitempty"`
	DecidedAt    *time.Time `json:"decidedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type encoderView struct {
	EncoderID     string     `json:"encoderId"`
	Hostname      string     `json:"hostname,omitempty"`
	Version       string     `json:"version,omitempty"`
	GPUDevice     string     `json:"gpuDevice,omitempty"`
	MaxConcurrent int        `json:"maxConcurrent"`
	CurrentJobs   int        `json:"currentJobs"`
	Status        string     `json:"status"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	CompletedJobs int64      `json:"completedJobs"`
	FailedJobs    int64      `json:"failedJobs"`
}
