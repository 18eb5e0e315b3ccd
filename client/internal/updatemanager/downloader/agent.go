package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
)

const progressStep = 256 * 1024

// Event is a transfer notification. Exactly one event with Done set ends a transfer.
type Event struct {
	Written  int64
	Expected int64
	Done     bool
	// Path is the local artifact on success
	Path string
	Err  error
}

// Agent runs at most one artifact transfer at a time
type Agent struct {
	client              *http.Client
	backgroundSupported bool
	retryDelay          time.Duration
	retries             uint64

	mu     sync.Mutex
	active *Transfer
}

// AgentOption customizes an Agent
type AgentOption func(*Agent)

// WithHTTPClient replaces http.DefaultClient
func WithHTTPClient(c *http.Client) AgentOption {
	return func(a *Agent) { a.client = c }
}

// WithBackgroundTransfers declares that transfers may outlive the requesting call
func WithBackgroundTransfers(supported bool) AgentOption {
	return func(a *Agent) { a.backgroundSupported = supported }
}

// WithRetry sets the delay before the first retry of a transient failure and the retry count.
// A zero delay disables retries.
func WithRetry(delay time.Duration, retries uint64) AgentOption {
	return func(a *Agent) {
		a.retryDelay = delay
		a.retries = retries
	}
}

func NewAgent(opts ...AgentOption) *Agent {
	a := &Agent{
		client:     http.DefaultClient,
		retryDelay: DefaultRetryDelay,
		retries:    defaultRetries,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Transfer is one in-flight download
type Transfer struct {
	item     feed.ReleaseItem
	dst      string
	notify   func(Event)
	cancelFn context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
}

// Start downloads item into dir. notify receives progress events and one final event, serialized,
// from the transfer goroutine; it must not call Cancel. Start fails with a status.Busy error while
// another transfer is in flight.
func (a *Agent) Start(ctx context.Context, item feed.ReleaseItem, opts Options, dir string, notify func(Event)) (*Transfer, error) {
	if item.URL == "" {
		return nil, status.Errorf(status.Network, "item %s has no download location", item)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != nil {
		return nil, status.Errorf(status.Busy, "transfer of %s is in flight", a.active.item)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, status.Wrap(status.TemporaryDirectory, err, "create download dir")
	}

	if opts.Background {
		if a.backgroundSupported {
			ctx = context.WithoutCancel(ctx)
		} else {
			log.Debugf("background transfers are not supported, downloading %s in the foreground", item)
		}
	}
	ctx, cancel := context.WithCancel(ctx)

	t := &Transfer{
		item:     item,
		dst:      filepath.Join(dir, artifactName(item)),
		notify:   notify,
		cancelFn: cancel,
		done:     make(chan struct{}),
	}
	a.active = t

	go func() {
		defer close(t.done)
		t.run(ctx, a, opts)
	}()
	return t, nil
}

// release frees the agent for the next transfer
func (a *Agent) release(t *Transfer) {
	a.mu.Lock()
	if a.active == t {
		a.active = nil
	}
	a.mu.Unlock()
}

// Cancel stops the transfer. Once Cancel returns no further event is delivered and the partial
// artifact has been removed.
func (t *Transfer) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()

	t.cancelFn()
	<-t.done
}

// Wait blocks until the transfer goroutine exits
func (t *Transfer) Wait() {
	<-t.done
}

// Item returns the release being downloaded
func (t *Transfer) Item() feed.ReleaseItem {
	return t.item
}

// emit delivers ev unless the transfer was cancelled. The check and the delivery are one step.
func (t *Transfer) emit(ev Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	if t.notify != nil {
		t.notify(ev)
	}
	return true
}

func (t *Transfer) run(ctx context.Context, a *Agent, opts Options) {
	defer t.cancelFn()

	written, err := t.download(ctx, a, opts)
	// a follow-up transfer may start as soon as the final event is seen
	a.release(t)
	if err == nil && t.item.Length > 0 && written != t.item.Length {
		err = status.Errorf(status.Extraction, "downloaded %d bytes of %s, expected %d", written, t.item, t.item.Length)
	}

	if err != nil {
		t.removePartial()
		t.mu.Lock()
		cancelled := t.cancelled
		t.mu.Unlock()
		if cancelled {
			log.Infof("transfer of %s cancelled", t.item)
			return
		}
		if status.TypeOf(err) == 0 {
			err = status.Wrap(status.Network, err, "download %s", t.item)
		}
		log.Warnf("transfer of %s failed: %v", t.item, err)
		t.emit(Event{Written: written, Expected: t.item.Length, Done: true, Err: err})
		return
	}

	log.Infof("successfully downloaded %s to %s", t.item, t.dst)
	if !t.emit(Event{Written: written, Expected: t.item.Length, Done: true, Path: t.dst}) {
		t.removePartial()
	}
}

func (t *Transfer) download(ctx context.Context, a *Agent, opts Options) (int64, error) {
	out, err := os.Create(t.dst)
	if err != nil {
		return 0, status.Wrap(status.TemporaryDirectory, err, "create destination file %q", t.dst)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			log.Warnf("error closing file %q: %v", t.dst, cerr)
		}
	}()

	var written int64
	attempt := func() error {
		if err := out.Truncate(0); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to truncate file on retry: %w", err))
		}
		if _, err := out.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to seek to beginning of file: %w", err))
		}

		n, err := t.downloadOnce(ctx, a.client, opts, out)
		written = n
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	log.Debugf("starting download from %s", t.item.URL)
	err = backoff.RetryNotify(attempt, defaultBackoff(ctx, a.retryDelay, a.retries), func(err error, d time.Duration) {
		log.Warnf("download failed, retrying after %v: %v", d, err)
	})
	if err != nil {
		return written, err
	}
	return written, nil
}

func (t *Transfer) downloadOnce(ctx context.Context, client *http.Client, opts Options, out io.Writer) (int64, error) {
	resp, err := get(ctx, client, t.item.URL, opts)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	expected := t.item.Length
	if expected <= 0 && resp.ContentLength > 0 {
		expected = resp.ContentLength
	}

	pw := &progressWriter{w: out, expected: expected, emit: t.emit}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		return pw.written, fmt.Errorf("failed to write response body to file: %w", err)
	}
	return pw.written, nil
}

func (t *Transfer) removePartial() {
	if err := os.Remove(t.dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("failed to remove partial artifact %s: %v", t.dst, err)
	}
}

type progressWriter struct {
	w        io.Writer
	written  int64
	last     int64
	expected int64
	emit     func(Event) bool
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.written-p.last >= progressStep || (p.expected > 0 && p.written >= p.expected) {
		p.last = p.written
		p.emit(Event{Written: p.written, Expected: p.expected})
	}
	return n, err
}

// artifactName derives a local file name from the download location
func artifactName(item feed.ReleaseItem) string {
	name := ""
	if u, err := url.Parse(item.URL); err == nil {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" || strings.ContainsAny(name, `/\`) {
		name = "artifact"
	}
	return name
}
