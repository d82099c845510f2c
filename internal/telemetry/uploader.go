package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"zmon/internal/models"
)

const batchesPath = "/v1/telemetry/batches"

// Uploader posts sealed batches to the central server.
type Uploader struct {
	client *resty.Client
	logger *zap.Logger
}

// NewUploader builds the HTTP client for the telemetry endpoint. The
// client timeout covers ordinary batches; critical sends pass a tighter
// context deadline.
func NewUploader(endpoint, deviceToken string, timeout time.Duration, logger *zap.Logger) *Uploader {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Content-Encoding", "gzip").
		EnableTrace()
	if deviceToken != "" {
		client.SetAuthToken(deviceToken)
	}
	return &Uploader{client: client, logger: logger}
}

// Upload delivers one sealed batch. On success the error class is
// ErrorNone; otherwise the class tells the caller whether retrying can
// help.
func (u *Uploader) Upload(ctx context.Context, b *models.TelemetryBatch) (models.TransmissionMetrics, models.ErrorClass, error) {
	var m models.TransmissionMetrics

	start := time.Now()
	resp, err := u.client.R().
		SetContext(ctx).
		SetHeader("X-Batch-ID", b.BatchID).
		SetHeader("X-Signature", b.Signature).
		SetHeader("X-Nonce", b.Nonce).
		SetBody(b.Compressed).
		Post(batchesPath)
	total := time.Since(start)

	m.WireMs, m.AckMs = splitLatency(resp, total)

	class, cerr := classify(resp, err)
	if cerr != nil {
		return m, class, cerr
	}

	u.logger.Debug("batch uploaded",
		zap.String("batch_id", b.BatchID),
		zap.Int("compressed_bytes", len(b.Compressed)),
		zap.Int64("wire_ms", m.WireMs),
		zap.Int64("ack_ms", m.AckMs),
	)
	return m, models.ErrorNone, nil
}

// splitLatency separates time on the wire from server processing using
// the client trace; without trace data everything counts as wire time.
func splitLatency(resp *resty.Response, total time.Duration) (wireMs, ackMs int64) {
	if resp == nil || resp.Request == nil {
		return total.Milliseconds(), 0
	}
	ti := resp.Request.TraceInfo()
	wire := total - ti.ServerTime
	if wire < 0 {
		wire = 0
	}
	return wire.Milliseconds(), ti.ServerTime.Milliseconds()
}

func classify(resp *resty.Response, err error) (models.ErrorClass, error) {
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return models.ErrorTimeout, fmt.Errorf("upload timed out: %w", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return models.ErrorTimeout, fmt.Errorf("upload timed out: %w", err)
		}
		return models.ErrorNetwork, fmt.Errorf("upload failed: %w", err)
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return models.ErrorNone, nil
	case code == 401 || code == 403:
		return models.ErrorAuth, fmt.Errorf("server rejected credentials: %s", resp.Status())
	case code >= 500:
		return models.ErrorServer, fmt.Errorf("server error: %s", resp.Status())
	default:
		return models.ErrorMalformed, fmt.Errorf("server rejected batch: %s", resp.Status())
	}
}
