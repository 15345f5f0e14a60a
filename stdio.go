package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport layer for MCP communication using
// newline-delimited JSON-RPC messages over stdin/stdout or similar io.Reader/io.Writer pairs. It
// carries a single connection and can be used as either ServerTransport or ClientTransport.
//
// Writes are serialized through one writer goroutine, so messages reach the peer in the order Send
// was called. Proper initialization requires using the NewStdIO constructor function.
type StdIO struct {
	conn   *stdIOConn
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOConn struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	startOnce     sync.Once

	lines     chan string
	done      chan struct{}
	closeOnce sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// WithStdIOLogger sets the logger of the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.conn.logger = logger
	}
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer. The
// connection id is generated once and stays stable for the lifetime of the instance.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		conn: &stdIOConn{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			lines:         make(chan string),
			done:          make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	s.conn.logger = s.conn.logger.With(
		slog.String("package", "go-mcp-runtime"),
		slog.String("component", "stdio"),
	)
	return s
}

// Conns implements the ServerTransport interface by yielding the single connection, then waiting
// until it is closed.
func (s StdIO) Conns() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		defer close(s.closed)

		s.conn.start()

		// StdIO only supports a single connection, so we yield it and wait until it's done.
		if !yield(s.conn) {
			return
		}
		<-s.conn.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the Conns loop to return.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// Connect implements the ClientTransport interface by starting the single connection.
func (s StdIO) Connect(context.Context) (Conn, error) {
	s.conn.start()
	return s.conn, nil
}

func (c *stdIOConn) start() {
	c.startOnce.Do(func() {
		go c.processWriteMessages()
		go c.readLines()
	})
}

func (c *stdIOConn) ID() string {
	return c.id
}

func (c *stdIOConn) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	// Queue the message for sending to avoid race in the StdIO library.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrSessionClosed
	case c.writeMessages <- ioMsg:
	}

	// Wait for the resulting error channel to receive the error.
	select {
	case err := <-ioMsg.errs:
		if err != nil {
			c.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrSessionClosed
	}
}

func (c *stdIOConn) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			var line string
			select {
			case <-c.done:
				return
			case l, ok := <-c.lines:
				if !ok {
					// End of stream closes the connection.
					_ = c.Close()
					return
				}
				line = l
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				c.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}

			// We stop iteration if yield returns false
			if !yield(msg) {
				return
			}
		}
	}
}

// CloseGracefully queues an empty barrier message behind the pending writes and closes the
// connection once the writer reached it.
func (c *stdIOConn) CloseGracefully(ctx context.Context) error {
	barrier := stdIOMessage{errs: make(chan error, 1)}
	select {
	case c.writeMessages <- barrier:
		select {
		case <-barrier.errs:
		case <-ctx.Done():
			c.logger.Warn("closing with unsent messages", slog.String("err", ctx.Err().Error()))
		}
	case <-c.done:
	case <-ctx.Done():
		c.logger.Warn("closing with unsent messages", slog.String("err", ctx.Err().Error()))
	}
	return c.Close()
}

// Close stops the connection. The writer is closed when it is an io.Closer, which signals end of
// stream to the peer.
func (c *stdIOConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if closer, ok := c.writer.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}

// readLines reads the stream in its own goroutine so a slow reader never blocks Close.
func (c *stdIOConn) readLines() {
	defer close(c.lines)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(c.reader)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			select {
			case c.lines <- line:
			case <-c.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Error("failed to read message", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (c *stdIOConn) processWriteMessages() {
	for {
		// Process writing the message queue until the connection is closed.
		var msg stdIOMessage
		select {
		case <-c.done:
			return
		case msg = <-c.writeMessages:
		}

		var err error
		if len(msg.msg) > 0 {
			_, err = c.writer.Write(msg.msg)
		}
		msg.errs <- err
	}
}
