package httpapi

import (
	"context"
	"sync"

	"github.com/ent0n29/callscreen/internal/call"
	"github.com/ent0n29/callscreen/internal/protocol"
)

// streamTransport queues outbound media-stream events for the single
// websocket writer. Sends block while the queue is full and fail with
// call.ErrTransportClosed once the connection is gone.
type streamTransport struct {
	mu        sync.RWMutex
	streamSID string
	closed    bool
	out       chan any
	done      <-chan struct{}
}

func newStreamTransport(ctx context.Context, buffer int) *streamTransport {
	return &streamTransport{
		out:  make(chan any, buffer),
		done: ctx.Done(),
	}
}

func (t *streamTransport) setStreamSID(sid string) {
	t.mu.Lock()
	t.streamSID = sid
	t.mu.Unlock()
}

func (t *streamTransport) SendMedia(payload string) error {
	return t.send(func(sid string) any { return protocol.NewMedia(sid, payload) })
}

func (t *streamTransport) SendMark(name string) error {
	return t.send(func(sid string) any { return protocol.NewMark(sid, name) })
}

func (t *streamTransport) SendClear() error {
	return t.send(func(sid string) any { return protocol.NewClear(sid) })
}

func (t *streamTransport) send(build func(streamSID string) any) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return call.ErrTransportClosed
	}
	select {
	case <-t.done:
		return call.ErrTransportClosed
	case t.out <- build(t.streamSID):
		return nil
	}
}

// close must be called after the connection context is cancelled, so blocked
// senders have already returned.
func (t *streamTransport) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}
