package installer

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/ipc"
	"github.com/netbirdio/selfupdate/util"
)

// session is one connected host. Events leave through a single ordered, unbounded queue.
type session struct {
	conn   ipc.ServerConn
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	logCtx    context.Context
	sessionID string
	greeted   bool
	canWrite  bool
	feed      *feed.Feed

	outMu  sync.Mutex
	queue  []*ipc.Event
	closed bool
	wake   chan struct{}
}

func newSession(conn ipc.ServerConn) *session {
	ctx, cancel := context.WithCancel(conn.Context())
	return &session{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		logCtx: ctx,
		wake:   make(chan struct{}, 1),
	}
}

func (sess *session) id() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.sessionID
}

func (sess *session) greet(id string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.sessionID = id
	sess.greeted = true
	sess.logCtx = util.WithSession(sess.ctx, id)
}

func (sess *session) isGreeted() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.greeted
}

func (sess *session) writeChecked() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.canWrite
}

func (sess *session) setWriteChecked(ok bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.canWrite = ok
}

func (sess *session) setFeed(f *feed.Feed) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.feed = f
}

func (sess *session) lookup(identifier string) (feed.ReleaseItem, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.feed == nil {
		return feed.ReleaseItem{}, false
	}
	return sess.feed.Lookup(identifier)
}

// logContext carries the session id for log entries
func (sess *session) logContext() context.Context {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.logCtx
}

func (sess *session) log() *log.Entry {
	return log.WithContext(sess.logContext())
}

// send enqueues an event without blocking
func (sess *session) send(ev *ipc.Event) {
	sess.outMu.Lock()
	if sess.closed {
		sess.outMu.Unlock()
		return
	}
	sess.queue = append(sess.queue, ev)
	sess.outMu.Unlock()

	select {
	case sess.wake <- struct{}{}:
	default:
	}
}

func (sess *session) writeLoop() {
	for {
		sess.outMu.Lock()
		if len(sess.queue) == 0 {
			sess.outMu.Unlock()
			select {
			case <-sess.wake:
				continue
			case <-sess.ctx.Done():
				return
			}
		}
		ev := sess.queue[0]
		sess.queue[0] = nil
		sess.queue = sess.queue[1:]
		sess.outMu.Unlock()

		if err := sess.conn.Send(ev); err != nil {
			sess.log().Debugf("failed to send %s event: %v", ev.Kind, err)
			sess.cancel()
			return
		}
	}
}

func (sess *session) close() {
	sess.outMu.Lock()
	sess.closed = true
	sess.queue = nil
	sess.outMu.Unlock()
	sess.cancel()
}
