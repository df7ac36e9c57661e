// Package client is a small HTTP client for the report endpoints, used by the CLI.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"plexwrapped/internal/poller"
)

// APIError is a non-2xx response carrying the server's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// DispatchResult mirrors the generate endpoint's body.
type DispatchResult struct {
	Accepted        bool `json:"accepted"`
	AlreadyInFlight bool `json:"alreadyInFlight"`
}

// JobStatus mirrors the status endpoint's body.
type JobStatus struct {
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// jobPath targets the caller's own report when subjectID is empty and the
// admin routes otherwise.
func jobPath(subjectID, period, action string) string {
	if subjectID == "" {
		return "/wrapped/" + url.PathEscape(period) + "/" + action
	}
	return "/admin/wrapped/" + url.PathEscape(subjectID) + "/" + url.PathEscape(period) + "/" + action
}

func (c *Client) Dispatch(ctx context.Context, subjectID, period string) (DispatchResult, error) {
	var out DispatchResult
	err := c.do(ctx, http.MethodPost, jobPath(subjectID, period, "generate"), &out)
	return out, err
}

// Status returns the job status. A job that was never dispatched is reported
// as not_started.
func (c *Client) Status(ctx context.Context, subjectID, period string) (JobStatus, error) {
	var out JobStatus
	err := c.do(ctx, http.MethodGet, jobPath(subjectID, period, "status"), &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return JobStatus{Status: poller.StatusNotStarted}, nil
	}
	return out, err
}

// Source adapts Status to the poller.
func (c *Client) Source(subjectID, period string) poller.Source {
	return statusSource{c: c, subjectID: subjectID, period: period}
}

type statusSource struct {
	c         *Client
	subjectID string
	period    string
}

func (s statusSource) Status(ctx context.Context) (poller.Observation, error) {
	st, err := s.c.Status(ctx, s.subjectID, s.period)
	if err != nil {
		return poller.Observation{}, err
	}
	return poller.Observation{Status: st.Status, Result: st.Result, Error: st.Error}, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "unknown", Message: http.StatusText(resp.StatusCode)}
		var env struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if gojson.Unmarshal(body, &env) == nil && env.Code != "" {
			apiErr.Code, apiErr.Message = env.Code, env.Message
		}
		return apiErr
	}
	return gojson.Unmarshal(body, out)
}
