package legacy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
	readChunk     = 4096
)

// Dialer opens the control socket. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// controlConn owns the daemon socket: one read pump, one write pump.
type controlConn struct {
	conn net.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
	wg     conc.WaitGroup
}

func newControlConn(c net.Conn) *controlConn {
	return &controlConn{
		conn: c,
		send: make(chan []byte, sendQueueSize),
	}
}

// start launches the pumps. onMessages and onError run on the reader
// goroutine; onError fires at most once and not after Close.
func (c *controlConn) start(ctx context.Context, onMessages func([]Message), onError func(error)) {
	var once sync.Once
	fail := func(err error) {
		if c.isClosed() {
			return
		}
		once.Do(func() { onError(err) })
	}
	c.wg.Go(func() { c.writePump(ctx, fail) })
	c.wg.Go(func() { c.readPump(ctx, onMessages, fail) })
}

func (c *controlConn) writePump(ctx context.Context, fail func(error)) {
	defer c.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				fail(err)
				return
			}
			if _, err := c.conn.Write(data); err != nil {
				log.Error().Err(err).Str("module", "legacy.conn").Msg("writePump write error")
				fail(err)
				return
			}
		}
	}
}

func (c *controlConn) readPump(ctx context.Context, onMessages func([]Message), fail func(error)) {
	var parser FrameParser
	buf := make([]byte, readChunk)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			msgs, perr := parser.Feed(buf[:n])
			if len(msgs) > 0 {
				onMessages(msgs)
			}
			if perr != nil {
				log.Error().Err(perr).Str("module", "legacy.conn").Msg("readPump parse error")
				fail(perr)
				return
			}
		}
		if err != nil {
			if !c.isClosed() {
				log.Warn().Err(err).Str("module", "legacy.conn").Msg("readPump read error")
			}
			fail(err)
			return
		}
	}
}

func (c *controlConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *controlConn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close stops accepting sends. The write pump flushes what is queued and
// then closes the socket, which ends the read pump. It does not wait.
func (c *controlConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Wait blocks until both pumps returned.
func (c *controlConn) Wait() { c.wg.Wait() }
