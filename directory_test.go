package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenConn fails every send.
type brokenConn struct {
	*memConn
}

func (brokenConn) Send(context.Context, JSONRPCMessage) error {
	return errors.New("broken pipe")
}

func directorySession(t *testing.T, d *sessionDirectory, id string, state int32, broken bool) *memConn {
	t.Helper()

	local, peer := newMemConnPair()
	local.id = id
	var conn Conn = local
	if broken {
		conn = brokenConn{memConn: local}
	}
	ss := &ServerSession{sess: newSession(id, conn, time.Second, funcDispatcher{}, discardLogger())}
	ss.sess.state.Store(state)
	d.add(ss)
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	return peer
}

func drain(peer *memConn) []JSONRPCMessage {
	var msgs []JSONRPCMessage
	for {
		select {
		case msg := <-peer.in:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestBroadcastIsolatesFailingSessions(t *testing.T) {
	d := newSessionDirectory(0, discardLogger())

	directorySession(t, d, "broken", stateInitialized, true)
	healthy := []*memConn{
		directorySession(t, d, "first", stateInitialized, false),
		directorySession(t, d, "second", stateInitialized, false),
	}

	d.broadcast(context.Background(), MethodNotificationsToolsListChanged, nil, nil)

	for _, peer := range healthy {
		msgs := drain(peer)
		require.Len(t, msgs, 1)
		assert.Equal(t, MethodNotificationsToolsListChanged, msgs[0].Method)
	}
}

func TestBroadcastSkipsSessionsBeforeInitialize(t *testing.T) {
	d := newSessionDirectory(1, discardLogger())

	fresh := directorySession(t, d, "fresh", stateUninitialized, false)
	initializing := directorySession(t, d, "initializing", stateInitializing, false)
	initialized := directorySession(t, d, "initialized", stateInitialized, false)

	d.broadcast(context.Background(), MethodNotificationsPromptsListChanged, nil, nil)

	assert.Empty(t, drain(fresh))
	assert.Len(t, drain(initializing), 1)
	assert.Len(t, drain(initialized), 1)
}

func TestBroadcastFilter(t *testing.T) {
	d := newSessionDirectory(0, discardLogger())

	kept := directorySession(t, d, "kept", stateInitialized, false)
	skipped := directorySession(t, d, "skipped", stateInitialized, false)

	d.broadcast(context.Background(), MethodNotificationsResourcesUpdated, ResourceUpdatedNotification{URI: "test://a"},
		func(ss *ServerSession) bool { return ss.ID() == "kept" })

	msgs := drain(kept)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"uri":"test://a"}`, string(msgs[0].Params))
	assert.Empty(t, drain(skipped))
}
