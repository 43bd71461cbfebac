package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haasonsaas/llmcord/internal/retry"
)

// ErrTooLarge is returned when a download exceeds its size limit.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// Fetcher downloads attachment bodies.
type Fetcher interface {
	Fetch(ctx context.Context, url string, limit int64) ([]byte, error)
}

// HTTPFetcher fetches attachments over HTTP with retries on transient
// failures.
type HTTPFetcher struct {
	Client *http.Client
	Retry  retry.Policy
}

// NewHTTPFetcher returns a fetcher with a bounded request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		Client: &http.Client{Timeout: timeout},
		Retry:  retry.DefaultPolicy(),
	}
}

// Fetch downloads url, failing with ErrTooLarge beyond limit bytes.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, limit int64) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, f.Retry, func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := f.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
			if !retry.RetryableStatus(resp.StatusCode) {
				return retry.Permanent(err)
			}
			return err
		}
		if limit > 0 && resp.ContentLength > limit {
			return retry.Permanent(ErrTooLarge)
		}

		r := io.Reader(resp.Body)
		if limit > 0 {
			r = io.LimitReader(resp.Body, limit+1)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		if limit > 0 && int64(len(data)) > limit {
			return retry.Permanent(ErrTooLarge)
		}
		body = data
		return nil
	})
	return body, err
}
