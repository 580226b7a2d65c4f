package rescue

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ClientHandle identifies the connection a request arrived on and lets a
// handler ask for that connection to be closed.
type ClientHandle struct {
	Addr net.Addr

	conn       net.Conn
	grace      time.Duration
	signalOnce sync.Once
	closeOnce  sync.Once
	close      chan struct{}
}

type clientHandleKey struct{}

// NewClientHandle creates a handle for conn. Once closed, the connection is
// torn down after grace, which leaves time for the reply in flight.
func NewClientHandle(conn net.Conn, grace time.Duration) *ClientHandle {
	return &ClientHandle{
		Addr:  conn.RemoteAddr(),
		conn:  conn,
		grace: grace,
		close: make(chan struct{}),
	}
}

// Signal marks the connection as closing without tearing it down. It is
// used for multiplexed connections, where other streams may still be
// served. It is safe to call more than once.
func (h *ClientHandle) Signal() {
	h.signalOnce.Do(func() { close(h.close) })
}

// Close signals that the connection should be closed and tears it down
// after the grace period. It must only be used for connections that carry
// a single request at a time. It is safe to call more than once.
func (h *ClientHandle) Close() {
	h.Signal()
	h.closeOnce.Do(func() {
		time.AfterFunc(h.grace, func() {
			if err := h.conn.Close(); err != nil {
				log.Tracef("client connection %s already closed: %s", h.Addr, err)
			}
		})
	})
}

// Closed is closed once Signal or Close has been called.
func (h *ClientHandle) Closed() <-chan struct{} {
	return h.close
}

// WithClientHandle attaches h to ctx.
func WithClientHandle(ctx context.Context, h *ClientHandle) context.Context {
	return context.WithValue(ctx, clientHandleKey{}, h)
}

// ClientHandleFrom returns the handle attached to ctx, if any.
func ClientHandleFrom(ctx context.Context) (*ClientHandle, bool) {
	h, ok := ctx.Value(clientHandleKey{}).(*ClientHandle)
	return h, ok
}
