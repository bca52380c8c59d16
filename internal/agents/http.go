package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// HTTPConfig configures the http agent.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string"},
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json", "form", "text"]},
    "bearer_token": {"type": "string"},
    "timeout": {"type": "string"},
    "fail_on_error_status": {"type": "boolean"}
  },
  "required": ["url"]
}`

// NewHTTPAgent returns the "http" agent. Output is
// {status_code, headers, body, content_type, duration_ms}; JSON bodies are decoded.
func NewHTTPAgent(cfg HTTPConfig) *Func {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return NewFunc("http", "Performs an HTTP request.", func(ctx context.Context, input map[string]any) (any, error) {
		return doHTTP(ctx, cfg, input)
	}).WithInputSchema(httpInputSchema)
}

func doHTTP(ctx context.Context, cfg HTTPConfig, input map[string]any) (any, error) {
	rawURL := stringParam(input, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL)
	}
	method := strings.ToUpper(stringParam(input, "method", http.MethodGet))

	timeout := cfg.DefaultTimeout
	if ts := stringParam(input, "timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid timeout %q", ts)
		}
		timeout = d
	}

	body, contentType, err := encodeBody(input)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http: build request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := input["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if token := stringParam(input, "bearer_token", ""); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgentExecution, "http: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAgentExecution, "http: read response body").WithCause(err)
	}

	respType := resp.Header.Get("Content-Type")
	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(respType, "application/json") {
			var v any
			if json.Unmarshal(raw, &v) == nil {
				parsed = v
			}
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"headers":      headers,
		"body":         parsed,
		"content_type": respType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}

	if boolParam(input, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		// Client errors will not change on retry.
		return nil, schema.NewErrorf(schema.ErrCodeAgentExecution, "http: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "retryable": resp.StatusCode >= 500})
	}
	return result, nil
}

func encodeBody(input map[string]any) (io.Reader, string, error) {
	rawBody, ok := input["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}
	switch stringParam(input, "body_encoding", "json") {
	case "form":
		form, ok := rawBody.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(rawBody)), "text/plain", nil
	default:
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http: body is not JSON encodable").WithCause(err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

func stringParam(m map[string]any, key, defaultVal string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return defaultVal
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return defaultVal
}
