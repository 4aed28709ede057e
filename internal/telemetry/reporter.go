package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Reporter posts aggregated reports to the stats endpoint, retrying
// transient failures with exponential backoff. Client errors are not
// retried.
type Reporter struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func NewReporter(url string, log *zap.Logger) *Reporter {
	return &Reporter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Send uploads one report. It returns after the report is accepted or
// retries are exhausted.
func (r *Reporter) Send(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = 500 * time.Millisecond
		ebo.Reset()
		return backoff.WithMaxRetries(ebo, 3)
	}

	attempt := 0
	op := func() error {
		attempt++
		if err := r.post(ctx, payload); err != nil {
			r.log.Debug("stats upload attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(newBackoff(), ctx)); err != nil {
		return fmt.Errorf("failed to upload stats report: %w", err)
	}
	return nil
}

func (r *Reporter) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewBuffer(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("stats endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// The endpoint rejected the report; retrying the same payload
		// cannot succeed.
		return backoff.Permanent(fmt.Errorf("stats endpoint rejected report: %d", resp.StatusCode))
	}
	return nil
}
