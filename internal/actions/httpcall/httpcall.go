package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"taskvault/internal/domain"
)

type params struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

// Run performs an HTTP request described by the task params. The response
// status and body land in the task result; a 4xx/5xx status fails the task.
func Run(ctx context.Context, t *domain.ScheduledTask) (domain.Status, map[string]any, error) {
	var p params
	if err := decode(t.Params, &p); err != nil {
		return domain.StatusFailed, nil, fmt.Errorf("invalid http_call params: %w", err)
	}
	if p.URL == "" {
		return domain.StatusFailed, nil, fmt.Errorf("url is required")
	}
	if p.Method == "" {
		p.Method = "GET"
	}
	if p.Timeout <= 0 {
		p.Timeout = 30
	}

	client := &http.Client{Timeout: time.Duration(p.Timeout) * time.Second}

	var body io.Reader
	if p.Body != "" {
		body = bytes.NewReader([]byte(p.Body))
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return domain.StatusFailed, nil, err
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.StatusFailed, nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.StatusFailed, nil, fmt.Errorf("read response body: %w", err)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}
	if resp.StatusCode >= 400 {
		return domain.StatusFailed, result, fmt.Errorf("HTTP %d error", resp.StatusCode)
	}
	return domain.StatusComplete, result, nil
}

func decode(m map[string]any, v any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
