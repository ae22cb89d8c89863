// Package invoke calls the external enrichment service over HTTP.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/regalhq/regal/internal/model"
	"github.com/regalhq/regal/internal/orchestrator"
)

// payload is the wire shape posted to the enrichment endpoint.
type payload struct {
	Key         string                `json:"key"`
	SearchQuery string                `json:"search_query"`
	Context     *string               `json:"context,omitempty"`
	Review      *model.ReviewMetadata `json:"review,omitempty"`
	RequestID   *string               `json:"request_id,omitempty"`
}

// HTTPInvoker implements orchestrator.Invoker by posting the invocation
// to a single enrichment endpoint. The call is synchronous; the caller
// decides whether to detach it.
type HTTPInvoker struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// New creates an HTTPInvoker. The timeout bounds the whole enrichment
// call, not just the connection.
func New(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPInvoker {
	return &HTTPInvoker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Invoke posts the invocation and treats any non-2xx response as failure.
func (i *HTTPInvoker) Invoke(ctx context.Context, inv orchestrator.Invocation) error {
	body, err := json.Marshal(payload{
		Key:         inv.Key,
		SearchQuery: inv.SearchQuery,
		Context:     inv.Context,
		Review:      inv.Review,
		RequestID:   inv.RequestID,
	})
	if err != nil {
		return fmt.Errorf("invoke: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invoke: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if inv.RequestID != nil {
		req.Header.Set("X-Request-ID", *inv.RequestID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("invoke: post %s: %w", inv.Key, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("invoke: enrichment endpoint returned %d for %s", resp.StatusCode, inv.Key)
	}

	i.logger.Info("enrichment invocation completed",
		"key", inv.Key,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
