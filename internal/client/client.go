// Package client connects a participant to the relay over WebSocket. It
// implements negotiation.Sender for outbound messages and hands every
// inbound message to a handler in arrival order.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var ErrClosed = errors.New("client closed")

type Client struct {
	conn   *websocket.Conn
	out    chan protocol.Envelope
	logger zerolog.Logger

	once sync.Once
	done chan struct{}
}

// Dial connects to the relay's signal endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return &Client{
		conn:   conn,
		out:    make(chan protocol.Envelope, sendBuffer),
		logger: log.With().Str("module", "client").Logger(),
		done:   make(chan struct{}),
	}, nil
}

// Send queues env for the relay.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- env:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Join(ctx context.Context, room domain.RoomName) error {
	if _, err := domain.NewRoomName(string(room)); err != nil {
		return err
	}
	return c.Send(ctx, protocol.Envelope{Type: protocol.TypeJoin, Room: room})
}

// Leave only tells the relay. Links built on top of this client stay open;
// negotiation.Mesh.Leave sends the same message and closes them too.
func (c *Client) Leave(ctx context.Context) error {
	return c.Send(ctx, protocol.Envelope{Type: protocol.TypeLeave})
}

// Run pumps messages until ctx ends or the connection drops. handle is
// called from a single goroutine.
func (c *Client) Run(ctx context.Context, handle func(protocol.Envelope)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(gctx, handle) })
	g.Go(func() error { return c.writePump(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.done:
		}
		c.Close()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) readPump(ctx context.Context, handle func(protocol.Envelope)) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-c.done:
				return ErrClosed
			default:
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad message from relay")
			continue
		}
		handle(env)
	}
}

func (c *Client) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case env := <-c.out:
			b, err := protocol.Encode(env)
			if err != nil {
				c.logger.Error().Err(err).Msg("encode")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
