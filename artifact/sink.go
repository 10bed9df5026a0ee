package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

// CoverageReport is what a sink receives after a job's fragments
// merged cleanly.
type CoverageReport struct {
	RunID string        `json:"run_id"`
	Job   string        `json:"job"`
	Stats CoverageStats `json:"stats"`
	LCOV  []byte        `json:"lcov"`
}

// A CoverageSink takes merged reports somewhere else: a coverage
// service, a dashboard, a file. Publish errors are advisory; the
// engine records them but never fails a job over them.
type CoverageSink interface {
	Publish(ctx context.Context, report CoverageReport) error
}

// HTTPSink posts merged reports to a coverage service as JSON.
// Transient failures retry with backoff; a 4xx is not going to get
// better and aborts immediately.
type HTTPSink struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPSink(url string, logger *slog.Logger) *HTTPSink {
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (s *HTTPSink) Publish(ctx context.Context, report CoverageReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}

	retryOpts := []retry.Option{
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(500 * time.Millisecond),
		retry.MaxDelay(5 * time.Second),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("retrying coverage publish",
				"url", s.url,
				"attempt", n+1,
				"err", err,
			)
		}),
		retry.Context(ctx),
	}

	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 500 {
			return fmt.Errorf("coverage service returned %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			return retry.Unrecoverable(fmt.Errorf("coverage service returned %s", resp.Status))
		}
		return nil
	}, retryOpts...)
}
