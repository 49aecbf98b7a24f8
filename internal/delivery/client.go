// Package delivery sends work items to the remote service over HTTP.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/bissquit/fieldsync/internal/retry"
	"github.com/google/uuid"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "fieldsync"
	maxErrorBody     = 4 << 10
)

// Header names sent with every request.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderCorrelationID  = "X-Correlation-Id"
)

// Config holds HTTP delivery configuration.
type Config struct {
	BaseURL   string        // relative targets are resolved against it
	Timeout   time.Duration // per request
	UserAgent string
}

// Client posts payloads to remote targets.
type Client struct {
	config     Config
	base       *url.URL
	creds      CredentialSource
	httpClient *http.Client
}

// NewClient creates a client. creds may be nil for unauthenticated use.
func NewClient(config Config, creds CredentialSource) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}

	var base *url.URL
	if config.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(config.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		base = u
	}

	return &Client{
		config: config,
		base:   base,
		creds:  creds,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			// A followed 301/302/303 turns the POST into a GET. The 3xx is
			// returned instead and classified like any other status.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Resolve returns the absolute URL of target.
func (c *Client) Resolve(target string) (string, error) {
	if target == "" {
		return "", &retry.PermanentError{Message: "delivery target is empty"}
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", &retry.PermanentError{Message: "invalid delivery target", Err: err}
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if c.base == nil {
		return "", &retry.PermanentError{Message: fmt.Sprintf("relative target %q without base url", target)}
	}
	return c.base.ResolveReference(&url.URL{Path: strings.TrimLeft(u.Path, "/"), RawQuery: u.RawQuery}).String(), nil
}

// PostJSON sends body as JSON to target.
func (c *Client) PostJSON(ctx context.Context, target, idempotencyKey string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &retry.PermanentError{Message: "marshal payload", Err: err}
	}
	return c.post(ctx, target, idempotencyKey, "application/json", data)
}

// File is a multipart file part.
type File struct {
	FieldName string
	Name      string
	MediaType string
	Content   []byte
}

// PostMultipart uploads file with fields to target.
func (c *Client) PostMultipart(ctx context.Context, target, idempotencyKey string, file File, fields map[string]string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return &retry.PermanentError{Message: "write form field", Err: err}
		}
	}

	fieldName := file.FieldName
	if fieldName == "" {
		fieldName = "file"
	}
	mediaType := file.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fieldName, file.Name))
	h.Set("Content-Type", mediaType)
	part, err := w.CreatePart(h)
	if err != nil {
		return &retry.PermanentError{Message: "create file part", Err: err}
	}
	if _, err := part.Write(file.Content); err != nil {
		return &retry.PermanentError{Message: "write file part", Err: err}
	}
	if err := w.Close(); err != nil {
		return &retry.PermanentError{Message: "close multipart body", Err: err}
	}

	return c.post(ctx, target, idempotencyKey, w.FormDataContentType(), buf.Bytes())
}

func (c *Client) post(ctx context.Context, target, idempotencyKey, contentType string, body []byte) error {
	endpoint, err := c.Resolve(target)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &retry.PermanentError{Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set(HeaderCorrelationID, uuid.NewString())
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}
	c.authorize(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Temporary(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, endpoint)
}

func (c *Client) authorize(ctx context.Context, req *http.Request) {
	if c.creds == nil {
		return
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		slog.Warn("credential lookup failed, sending unauthenticated", "error", err)
		return
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func handleResponse(resp *http.Response, endpoint string) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		slog.Debug("delivered", "endpoint", endpoint, "status", resp.StatusCode)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Message:    errorMessage(body),
	}
}

func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}
