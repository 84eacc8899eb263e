package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/sourcegraph/conc"
	"github.com/tcriess/lightspeed-rooms/globals"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 2 * time.Minute

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = time.Minute

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// Client is a middleman between the websocket connection and an endpoint.
type Client struct {
	conn     *websocket.Conn
	endpoint Endpoint
	log      hclog.Logger
}

func NewClient(conn *websocket.Conn, endpoint Endpoint, logger hclog.Logger) *Client {
	return &Client{
		conn:     conn,
		endpoint: endpoint,
		log:      globals.Logger(logger, "client").With("remote", conn.RemoteAddr().String()),
	}
}

// Serve runs the read loop, the write loop and the endpoint until the peer goes away or ctx is
// done. The endpoint is closed when Serve returns.
func (c *Client) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		c.readLoop()
	})
	wg.Go(func() {
		c.endpoint.Run(ctx)
	})
	wg.Go(func() {
		c.writeLoop(ctx)
	})
	wg.Wait()
	c.log.Debug("connection done")
}

// readLoop pumps messages from the websocket connection to the endpoint.
//
// There is at most one reader on a connection, all reads happen in this goroutine.
func (c *Client) readLoop() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Info("ws closed unexpected", "error", err)
			}
			return
		}
		c.endpoint.Receive(raw)
	}
}

// writeLoop pumps frames from the endpoint to the websocket connection.
//
// There is at most one writer to a connection, all writes happen in this goroutine.
func (c *Client) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	frames := c.endpoint.Frames()
	for {
		select {
		case frame, ok := <-frames:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The endpoint closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			frame, err := c.endpoint.Prepare(ctx, frame)
			if err != nil {
				c.log.Warn("could not prepare frame", "error", err)
				continue
			}
			err = c.conn.WriteJSON(frame)
			if err != nil {
				c.log.Debug("could not write to ws connection, exiting write loop", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("could not send ping message, exiting write loop", "error", err)
				return
			}
		}
	}
}
