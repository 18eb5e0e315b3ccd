package ipc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/downloader"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
	"github.com/netbirdio/selfupdate/version"
)

const cancelTimeout = 10 * time.Second

// ErrCancelled is returned by a download or extraction the caller cancelled
var ErrCancelled = errors.New("cancelled")

// Client is the driver side of an installer session. Calls may be issued concurrently;
// events are routed back to their call by sequence number.
type Client struct {
	conn    ClientConn
	session string
	seq     atomic.Uint64

	sendMu sync.Mutex

	mu    sync.Mutex
	calls map[uint64]*mailbox
	err   error
	done  chan struct{}
}

// NewClient starts a session over conn
func NewClient(conn ClientConn) *Client {
	c := &Client{
		conn:    conn,
		session: uuid.NewString(),
		calls:   make(map[uint64]*mailbox),
		done:    make(chan struct{}),
	}
	go c.receive()
	return c
}

// Session returns the session id stamped on every request
func (c *Client) Session() string {
	return c.session
}

// Done is closed once the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the session. Pending calls fail with a Disconnected error.
func (c *Client) Close() error {
	return c.conn.Close()
}

type call struct {
	seq    uint64
	events <-chan *Event
}

// drain discards the rest of an abandoned call
func (cl *call) drain() {
	go func() {
		for range cl.events {
		}
	}()
}

func (c *Client) call(req *Request) (*call, error) {
	req.Session = c.session
	req.Seq = c.seq.Add(1)

	mb := newMailbox()
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		mb.close()
		return nil, err
	}
	c.calls[req.Seq] = mb
	c.mu.Unlock()

	c.sendMu.Lock()
	err := c.conn.Send(req)
	c.sendMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.calls, req.Seq)
		c.mu.Unlock()
		mb.close()
		return nil, status.Wrap(status.Disconnected, err, "send %s", req.Op)
	}

	return &call{seq: req.Seq, events: mb.out}, nil
}

func (c *Client) receive() {
	for {
		ev, err := c.conn.Recv()
		if err != nil {
			c.fail(err)
			return
		}
		if ev.Session != c.session {
			log.Warnf("dropping %s event of foreign session %q", ev.Kind, ev.Session)
			continue
		}

		c.mu.Lock()
		mb, ok := c.calls[ev.Seq]
		if ok && ev.Final {
			delete(c.calls, ev.Seq)
		}
		c.mu.Unlock()

		if !ok {
			log.Debugf("dropping %s event of finished call %d", ev.Kind, ev.Seq)
			continue
		}
		mb.push(ev)
		if ev.Final {
			mb.close()
		}
	}
}

func (c *Client) fail(cause error) {
	err := status.Wrap(status.Disconnected, cause, "installer connection lost")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	log.Infof("installer session %s ended: %v", c.session, cause)

	for seq, mb := range c.calls {
		mb.push(&Event{
			Session: c.session,
			Seq:     seq,
			Kind:    EventRejected,
			Final:   true,
			Err:     NewWireError(err),
		})
		mb.close()
	}
	c.calls = nil
	close(c.done)
}

// next waits for the next event of a call
func (c *Client) next(ctx context.Context, cl *call) (*Event, error) {
	select {
	case ev, ok := <-cl.events:
		if !ok {
			return nil, status.Errorf(status.Disconnected, "call %d ended without a result", cl.seq)
		}
		return ev, nil
	case <-ctx.Done():
		cl.drain()
		return nil, ctx.Err()
	}
}

// await skips to the final event of a call, handing intermediate events to fn
func (c *Client) await(ctx context.Context, cl *call, fn func(*Event)) (*Event, error) {
	for {
		ev, err := c.next(ctx, cl)
		if err != nil {
			return nil, err
		}
		if !ev.Final {
			if fn != nil {
				fn(ev)
			}
			continue
		}
		return ev, ev.Err.AsError()
	}
}

func (c *Client) do(ctx context.Context, req *Request) (*Event, error) {
	cl, err := c.call(req)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, cl, nil)
}

// Hello negotiates the protocol version and must be the first call of a session
func (c *Client) Hello(ctx context.Context) error {
	ev, err := c.do(ctx, &Request{Op: OpHello, ProtocolVersion: version.ProtocolVersion})
	if err != nil {
		return err
	}
	log.Debugf("installer speaks protocol %s", ev.ProtocolVersion)
	return nil
}

// CheckWritePermission reports whether the installer can replace the bundle at path
func (c *Client) CheckWritePermission(ctx context.Context, path string) (bool, error) {
	ev, err := c.do(ctx, &Request{Op: OpCheckWritePermission, HostBundlePath: path})
	if err != nil {
		return false, err
	}
	return ev.CanWrite, nil
}

// CheckForUpdates has the installer fetch and parse the feed at url
func (c *Client) CheckForUpdates(ctx context.Context, url string, opts downloader.Options) (*feed.Feed, error) {
	ev, err := c.do(ctx, &Request{Op: OpCheckForUpdates, URL: url, Options: opts})
	if err != nil {
		return nil, err
	}
	return feed.Restore(ev.Items, ev.Diagnostics), nil
}

// BeginDownload transfers the artifact of identifier and blocks until it is stored.
// Cancelling ctx cancels the transfer and returns the context error once the installer acknowledged it.
func (c *Client) BeginDownload(ctx context.Context, identifier string, opts downloader.Options, progress func(written, expected int64)) error {
	cl, err := c.call(&Request{Op: OpBeginDownload, Identifier: identifier, Options: opts})
	if err != nil {
		return err
	}

	ev, err := c.await(ctx, cl, func(ev *Event) {
		if progress != nil {
			progress(ev.Written, ev.Expected)
		}
	})
	if ctx.Err() != nil {
		c.cancelAfter(ctx)
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if ev.Kind == EventDownloadCancelled {
		return ErrCancelled
	}
	return nil
}

// Extract verifies and unpacks a downloaded artifact into staging. hostBundlePath is the delta base.
func (c *Client) Extract(ctx context.Context, identifier, hostBundlePath string, progress func(float64)) error {
	cl, err := c.call(&Request{Op: OpExtract, Identifier: identifier, HostBundlePath: hostBundlePath})
	if err != nil {
		return err
	}

	ev, err := c.await(ctx, cl, func(ev *Event) {
		if progress != nil {
			progress(ev.Progress)
		}
	})
	if ctx.Err() != nil {
		c.cancelAfter(ctx)
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if ev.Kind == EventDownloadCancelled {
		return ErrCancelled
	}
	return nil
}

func (c *Client) cancelAfter(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := c.CancelDownload(cctx); err != nil {
		log.Warnf("failed to cancel the installer pipeline: %v", err)
	}
}

// CancelDownload stops the active transfer or extraction. After it returns no further
// progress of that pipeline is delivered.
func (c *Client) CancelDownload(ctx context.Context) error {
	_, err := c.do(ctx, &Request{Op: OpCancelDownload})
	return err
}

// InstallRequest describes the install step of an extracted item
type InstallRequest struct {
	Identifier string
	Relaunch   bool
	ShowUI     bool
	HostPID    int32
}

// InstallResult is how an install that raised no error ended
type InstallResult struct {
	// Halted is set when the confirmation was refused; nothing was written
	Halted bool
	// Relaunching is set when the installer will start the host again after it exits
	Relaunching bool
}

// Install runs the install step. confirm answers the installer's confirmation request; the host must
// terminate once Install returns a result that is not halted.
func (c *Client) Install(ctx context.Context, req InstallRequest, confirm func(relaunch, showUI bool) bool, willRelaunch func()) (InstallResult, error) {
	cl, err := c.call(&Request{
		Op:         OpInstall,
		Identifier: req.Identifier,
		Relaunch:   req.Relaunch,
		ShowUI:     req.ShowUI,
		HostPID:    req.HostPID,
	})
	if err != nil {
		return InstallResult{}, err
	}

	for {
		ev, err := c.next(ctx, cl)
		if err != nil {
			return InstallResult{}, err
		}

		switch ev.Kind {
		case EventConfirmInstall:
			allow := confirm != nil && confirm(ev.Relaunch, ev.ShowUI)
			reply := &Request{Op: OpConfirmReply, ReplyTo: cl.seq, Identifier: req.Identifier, Allow: allow}
			if _, err := c.do(ctx, reply); err != nil {
				cl.drain()
				return InstallResult{}, err
			}
		case EventWillRelaunch:
			if willRelaunch != nil {
				willRelaunch()
			}
		case EventInstallHalted:
			return InstallResult{Halted: true}, nil
		case EventShouldTerminateHost:
			return InstallResult{Relaunching: ev.Relaunch}, nil
		default:
			if ev.Final {
				if err := ev.Err.AsError(); err != nil {
					return InstallResult{}, err
				}
				return InstallResult{}, status.Errorf(status.Installation, "unexpected %s event", ev.Kind)
			}
		}
	}
}

// CleanUp releases the pipeline of identifier and removes its artifacts unless retain is set
func (c *Client) CleanUp(ctx context.Context, identifier string, retain bool) error {
	_, err := c.do(ctx, &Request{Op: OpCleanUp, Identifier: identifier, Retain: retain})
	return err
}
