package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSourceConfig configures the REST client for the CI platform.
type HTTPSourceConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPSource queries check status over the CI platform's REST API:
//
//	GET {base}/commits/{commit}/checks/{name} -> {status, runId, observedAt}
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPSource(cfg HTTPSourceConfig) (*HTTPSource, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ci base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPSource{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

// checkStatusResponse is the raw CI API response shape.
type checkStatusResponse struct {
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
	RunID      string `json:"runId"`
	ObservedAt string `json:"observedAt"`
}

func (s *HTTPSource) GetCheckStatus(ctx context.Context, commit, checkName string) (CheckResult, error) {
	endpoint := fmt.Sprintf("%s/commits/%s/checks/%s",
		s.baseURL, url.PathEscape(commit), url.PathEscape(checkName))

	attempts := s.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return CheckResult{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			cancel()
			return CheckResult{}, fmt.Errorf("ci build request: %w", err)
		}
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			result, decodeErr := s.decode(resp, checkName)
			resp.Body.Close()
			if decodeErr == nil {
				return result, nil
			}
			if decodeErr == ErrCheckNotFound {
				return CheckResult{}, ErrCheckNotFound
			}
			lastErr = decodeErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return CheckResult{}, fmt.Errorf("ci check query failed: %w", lastErr)
}

func (s *HTTPSource) decode(resp *http.Response, checkName string) (CheckResult, error) {
	if resp.StatusCode == http.StatusNotFound {
		return CheckResult{}, ErrCheckNotFound
	}
	if resp.StatusCode >= 500 {
		return CheckResult{}, fmt.Errorf("ci platform unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return CheckResult{}, fmt.Errorf("ci platform rejected request: %s", resp.Status)
	}
	var raw checkStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return CheckResult{}, fmt.Errorf("ci decode response: %w", err)
	}

	// Some CI systems split status/conclusion; a completed run carries the
	// real outcome in conclusion.
	state := raw.Status
	if raw.Conclusion != "" && strings.EqualFold(raw.Status, "completed") {
		state = raw.Conclusion
	}

	observed := time.Now().UTC()
	if raw.ObservedAt != "" {
		if ts, err := time.Parse(time.RFC3339, raw.ObservedAt); err == nil {
			observed = ts.UTC()
		}
	}
	return CheckResult{
		Name:       checkName,
		Status:     NormalizeStatus(state),
		RunID:      raw.RunID,
		ObservedAt: observed,
	}, nil
}
