package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// MessageHandler is invoked for every inbound frame. The read pump calls it
// synchronously, so handlers for a single connection never run concurrently
// with each other.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// OnCloseHandler runs exactly once when the connection tears down, whether
// the closure was clean or a network drop.
type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout time.Duration
}

// Connection wraps a single WebSocket and is safe for concurrent use.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// closedMu-guarded flag so Send becomes a no-op once teardown begins;
	// the send channel itself is never closed, which would race concurrent
	// senders into a panic.
	closedMu sync.RWMutex
	closed   bool

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	// Balanced by Close, whether or not the pumps ever start.
	wg.Add(1)

	return &Connection{
		id:     id,
		conn:   conn,
		config: config,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
		wg:     wg,
		logger: logger.With(slog.String("connID", id.String())),
	}
}

func (c *Connection) SetOnMessage(handler MessageHandler) { c.onMessage = handler }
func (c *Connection) SetOnClose(handler OnCloseHandler)   { c.onClose = handler }

// Run starts the read and write pumps. Handlers must be set before Run.
func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()
}

func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			// Connection-scoped context: cancelled the moment Close runs, so
			// a handler blocked on I/O is abandoned when the client goes away.
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusGoingAway, "connection context cancelled")
			return
		}
	}
}

// Send queues a message for delivery. Safe for concurrent use, including
// concurrently with Close: messages to a connection that is closing or
// closed are dropped, never panicking the sender.
func (c *Connection) Send(message []byte) {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	if c.closed {
		c.logger.Debug("dropped message for closed connection")
		return
	}

	select {
	case c.send <- message:
	case <-c.ctx.Done():
		c.logger.Debug("dropped message for closing connection")
	}
}

// Close tears the connection down exactly once and fires the OnClose handler.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Info("connection closing", slog.Any("reason", err))

		// Cancel first: a Send blocked on a full buffer holds the read lock
		// and only unblocks via ctx.Done, so the write lock must come after.
		c.cancel()
		c.closedMu.Lock()
		c.closed = true
		c.closedMu.Unlock()

		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done is closed when the connection has fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Context is cancelled when the connection begins closing.
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}
