// Package sspro talks to the Screenshots Pro rendering API, which fills
// template fields and produces a downloadable archive of rendered images.
package sspro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/koios/adb-invocation-server/internal/metrics"
	"github.com/koios/adb-invocation-server/internal/naming"
	"github.com/koios/adb-invocation-server/pkg/models"
)

// CreateRequest is the body of a generation request.
type CreateRequest struct {
	Modifications []models.Modification `json:"modifications"`
}

// CreateResponse is the rendering service's reply to a generation request.
type CreateResponse struct {
	ID          string           `json:"id"`
	DownloadURL string           `json:"download_url,omitempty"`
	Status      string           `json:"status"`
	CreatedAt   string           `json:"created_at"`
	StartedAt   string           `json:"started_at"`
	Detail      []ResponseDetail `json:"detail,omitempty"`
}

// ResponseDetail describes a validation problem reported by the service.
type ResponseDetail struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	TemplateID string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("generating screenshots for template %s: %s", e.TemplateID, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Retryable reports a server-side failure.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// Client issues authenticated generation requests.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	logger     *zap.Logger
}

// NewClient creates a client. endpoint must contain {template_id}.
func NewClient(httpClient *http.Client, endpoint, apiKey string, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
		apiKey:     apiKey,
		logger:     logger,
	}
}

// URL returns the endpoint for a template.
func (c *Client) URL(templateID string) string {
	return naming.Substitute(c.endpoint, naming.Values{naming.TemplateID: templateID})
}

// Create sends one generation request. It does not retry; the caller
// decides what to do with a retryable StatusError.
func (c *Client) Create(ctx context.Context, template models.TemplateUpdate, mods []models.Modification) (*CreateResponse, error) {
	if mods == nil {
		mods = []models.Modification{}
	}
	body, err := json.Marshal(CreateRequest{Modifications: mods})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal modifications: %w", err)
	}

	apiURL := c.URL(template.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for template %s: %w", template.ID, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Submitting generation request",
		zap.String("template_id", template.ID),
		zap.String("url", apiURL),
		zap.ByteString("body", body))

	platform := string(template.Platform)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.RenderRequestDuration.WithLabelValues(platform).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RenderRequestsTotal.WithLabelValues(platform, "transport_error").Inc()
		return nil, fmt.Errorf("request for template %s failed: %w", template.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{
			TemplateID: template.ID,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
		result := "client_error"
		if statusErr.Retryable() {
			result = "server_error"
		}
		metrics.RenderRequestsTotal.WithLabelValues(platform, result).Inc()
		return nil, statusErr
	}

	var created CreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		metrics.RenderRequestsTotal.WithLabelValues(platform, "invalid_response").Inc()
		return nil, fmt.Errorf("failed to decode response for template %s: %w", template.ID, err)
	}
	metrics.RenderRequestsTotal.WithLabelValues(platform, "success").Inc()
	return &created, nil
}
