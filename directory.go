package mcp

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// sessionDirectory tracks the live sessions of a Server.
type sessionDirectory struct {
	mu       sync.RWMutex
	sessions map[string]*ServerSession

	fanout int
	logger *slog.Logger
}

func newSessionDirectory(fanout int, logger *slog.Logger) *sessionDirectory {
	return &sessionDirectory{
		sessions: make(map[string]*ServerSession),
		fanout:   fanout,
		logger:   logger,
	}
}

func (d *sessionDirectory) add(ss *ServerSession) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sessions[ss.ID()] = ss
}

func (d *sessionDirectory) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.sessions, id)
}

func (d *sessionDirectory) get(id string) (*ServerSession, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ss, ok := d.sessions[id]
	return ss, ok
}

func (d *sessionDirectory) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.sessions)
}

// all returns a snapshot, so callers can send without holding the lock.
func (d *sessionDirectory) all() []*ServerSession {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sessions := make([]*ServerSession, 0, len(d.sessions))
	for _, ss := range d.sessions {
		sessions = append(sessions, ss)
	}
	return sessions
}

// broadcast sends a notification to every session that received initialize and is accepted by filter,
// or to all of them when filter is nil. A failing session is logged and skipped, the others still
// receive the notification.
func (d *sessionDirectory) broadcast(
	ctx context.Context,
	method string,
	params any,
	filter func(*ServerSession) bool,
) {
	var g errgroup.Group
	if d.fanout > 0 {
		g.SetLimit(d.fanout)
	}

	for _, ss := range d.all() {
		if !ss.sess.handshakeStarted() || (filter != nil && !filter(ss)) {
			continue
		}
		g.Go(func() error {
			if err := ss.sess.sendNotification(ctx, method, params); err != nil {
				d.logger.Error("failed to broadcast notification",
					slog.String("sessionID", ss.ID()),
					slog.String("method", method),
					slog.String("err", err.Error()))
			}
			return nil
		})
	}

	_ = g.Wait()
}

// closeAll closes every session gracefully and concurrently.
func (d *sessionDirectory) closeAll(ctx context.Context) error {
	var g errgroup.Group
	for _, ss := range d.all() {
		g.Go(func() error {
			return ss.CloseGracefully(ctx)
		})
	}
	return g.Wait()
}
