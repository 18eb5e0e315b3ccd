package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
	"github.com/netbirdio/selfupdate/version"
)

const (
	DefaultRetryDelay = 3 * time.Second
	defaultRetries    = 2
)

// Options configure a single request
type Options struct {
	// UserAgent is the client identity string, version.UserAgent() when empty
	UserAgent string `msgpack:"user_agent,omitempty"`
	// Headers are sent in addition to the defaults
	Headers map[string]string `msgpack:"headers,omitempty"`
	// Background asks for a transfer that outlives the requesting call
	Background bool `msgpack:"background"`
}

func (o Options) userAgent() string {
	if o.UserAgent != "" {
		return o.UserAgent
	}
	return version.UserAgent()
}

// DownloadToMemory fetches url and returns its body. Transport failures and non-200 responses are
// status.Network errors, a body larger than limit is a status.Parse error.
func DownloadToMemory(ctx context.Context, client *http.Client, url string, opts Options, limit int64) ([]byte, error) {
	resp, err := get(ctx, client, url, opts)
	if err != nil {
		return nil, status.Wrap(status.Network, err, "download %s", url)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, status.Wrap(status.Network, err, "read %s", url)
	}
	if int64(len(data)) > limit {
		return nil, status.Errorf(status.Parse, "feed %s exceeds %d bytes", url, limit)
	}

	return data, nil
}

func get(ctx context.Context, client *http.Client, url string, opts Options) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("User-Agent", opts.userAgent())
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform HTTP request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &httpStatusError{code: resp.StatusCode}
	}
	return resp, nil
}

type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d", e.code)
}

// retryable reports whether a failed attempt may succeed when repeated
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.code >= 500 && statusErr.code <= 599
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func defaultBackoff(ctx context.Context, retryDelay time.Duration, retries uint64) backoff.BackOff {
	if retryDelay <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	return backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     retryDelay,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         4 * retryDelay,
		MaxElapsedTime:      time.Minute,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, retries), ctx)
}
