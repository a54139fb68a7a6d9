package agents

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// HTTPConfig configures the http.request agent.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPAgent implements the "http.request" agent.
type HTTPAgent struct {
	config HTTPConfig
}

// NewHTTPAgent creates a new http.request agent.
func NewHTTPAgent(cfg HTTPConfig) *HTTPAgent {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPAgent{config: cfg}
}

func (a *HTTPAgent) Name() string { return "http.request" }

func (a *HTTPAgent) Info() Info {
	return Info{
		Name:        a.Name(),
		Description: "Execute an HTTP request with control over method, headers, body, auth, and redirects.",
	}
}

func (a *HTTPAgent) validate(input map[string]any) error {
	rawURL := stringParam(input, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (a *HTTPAgent) Execute(ctx context.Context, input map[string]any) (any, error) {
	if input == nil {
		input = map[string]any{}
	}
	if err := a.validate(input); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(input, "method", "GET"))
	rawURL := stringParam(input, "url", "")
	bodyEncoding := stringParam(input, "body_encoding", "json")
	followRedirects := boolParam(input, "follow_redirects", true)
	maxRedirects := intParam(input, "max_redirects", 10)
	tlsSkipVerify := boolParam(input, "tls_skip_verify", false)
	failOnErrorStatus := boolParam(input, "fail_on_error_status", false)

	timeout := a.config.DefaultTimeout
	if ts := stringParam(input, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := input["body"]; ok && rawBody != nil {
		switch bodyEncoding {
		case "form":
			if formData, ok := rawBody.(map[string]any); ok {
				vals := url.Values{}
				for k, v := range formData {
					vals.Set(k, fmt.Sprintf("%v", v))
				}
				bodyReader = strings.NewReader(vals.Encode())
				contentType = "application/x-www-form-urlencoded"
			}
		case "text":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
			contentType = "text/plain"
		case "raw":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
		default: // json
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to marshal body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to create request").WithCause(err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if hm := mapParam(input, "headers"); hm != nil {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	if auth := mapParam(input, "auth"); auth != nil {
		switch stringParam(auth, "type", "") {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
		case "basic":
			req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
		case "api_key":
			if name := stringParam(auth, "header_name", ""); name != "" {
				req.Header.Set(name, stringParam(auth, "header_value", ""))
			}
		}
	}

	// Always build a fresh client to avoid mutating shared transport state.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		limit := maxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	limitedReader := io.LimitReader(resp.Body, a.config.MaxResponseBody)
	bodyBytes, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) == 0 {
		parsedBody = nil
	} else if strings.Contains(respContentType, "application/json") {
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	} else {
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}

	return result, nil
}

var _ Agent = (*HTTPAgent)(nil)
