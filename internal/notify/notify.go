// Package notify delivers caller notifications for finished enrichment
// requests.
//
// The worker polls the request ledger for finished entries that have not
// been notified yet and posts them to the configured webhook. Delivery
// failures are recorded on the ledger row and retried on the next pass.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/regalhq/regal/internal/storage"
	"github.com/regalhq/regal/internal/telemetry"
)

// Ledger is the slice of the request ledger the worker needs.
type Ledger interface {
	ListPendingNotifications(ctx context.Context, limit int) ([]storage.PendingRequest, error)
	MarkNotifySuccess(ctx context.Context, requestID string, completedAt *time.Time) error
	MarkNotifyFailure(ctx context.Context, requestID string, errMsg string) error
}

// payload is the webhook body sent per finished request.
type payload struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Error     *string         `json:"error,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

// Worker polls the ledger and posts finished requests to a webhook.
type Worker struct {
	ledger       Ledger
	client       *http.Client
	endpoint     string
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once

	deliveredTotal metric.Int64Counter
}

// NewWorker creates a notification worker. endpoint is the webhook URL;
// an empty endpoint disables delivery entirely.
func NewWorker(ledger Ledger, endpoint string, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Worker {
	meter := telemetry.Meter("regal/notify")
	deliveredTotal, _ := meter.Int64Counter("regal.notify.deliveries",
		metric.WithDescription("Webhook delivery attempts by outcome"),
	)

	return &Worker{
		ledger:         ledger,
		client:         &http.Client{Timeout: 15 * time.Second},
		endpoint:       endpoint,
		logger:         logger,
		pollInterval:   pollInterval,
		batchSize:      batchSize,
		done:           make(chan struct{}),
		deliveredTotal: deliveredTotal,
	}
}

// Start begins the background poll loop. Safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if w.endpoint == "" {
		w.logger.Info("notify: no webhook configured, worker disabled")
		w.once.Do(func() { close(w.done) })
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("notify: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop, runs one final pass, and blocks until done
// or the context expires.
func (w *Worker) Drain(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("notify: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.processBatch(finalCtx)
			cancel()
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	pending, err := w.ledger.ListPendingNotifications(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("notify: list pending notifications failed", "error", err)
		return
	}

	for _, p := range pending {
		if err := w.deliver(ctx, p); err != nil {
			w.logger.Warn("notify: delivery failed",
				"request_id", p.RequestID, "error", err)
			w.deliveredTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
			if markErr := w.ledger.MarkNotifyFailure(ctx, p.RequestID, err.Error()); markErr != nil {
				w.logger.Error("notify: record delivery failure failed",
					"request_id", p.RequestID, "error", markErr)
			}
			continue
		}

		w.deliveredTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
		if markErr := w.ledger.MarkNotifySuccess(ctx, p.RequestID, nil); markErr != nil {
			w.logger.Error("notify: record delivery success failed",
				"request_id", p.RequestID, "error", markErr)
		}
	}

	if len(pending) > 0 {
		w.logger.Info("notify: pass complete", "processed", len(pending))
	}
}

// deliver posts one finished request to the webhook. Any non-2xx
// response is a delivery failure.
func (w *Worker) deliver(ctx context.Context, p storage.PendingRequest) error {
	body, err := json.Marshal(payload{
		RequestID: p.RequestID,
		Status:    string(p.Status),
		Error:     p.Error,
		Request:   p.Payload,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", p.RequestID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}
