package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/gorilla/websocket"
)

// WSClient reads batch frames from a websocket endpoint and delivers them to the Hub.
// Lost connection is re-established until ctx is done.
type WSClient struct {
	URL            string
	Header         http.Header
	Hub            *Hub
	Repeater       Repeater          // dial retries, single attempt if nil
	Dialer         *websocket.Dialer // websocket.DefaultDialer if nil
	ReconnectDelay time.Duration     // pause before redial after a lost connection
}

// Run connects and reads frames, blocking until ctx is done or the endpoint can't be reached
func (c *WSClient) Run(ctx context.Context) error {
	log.Printf("[INFO] websocket client for %s started", c.URL)
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("can't connect to %s: %w", c.URL, err)
		}
		log.Printf("[DEBUG] connected to %s", c.URL)

		err = c.read(ctx, conn)
		if ctx.Err() != nil {
			log.Printf("[INFO] websocket client for %s stopped", c.URL)
			return ctx.Err()
		}
		log.Printf("[WARN] connection to %s lost, %v", c.URL, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.ReconnectDelay):
		}
	}
}

func (c *WSClient) dial(ctx context.Context) (conn *websocket.Conn, err error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	dialFn := func() error {
		var e error
		conn, _, e = dialer.DialContext(ctx, c.URL, c.Header) //nolint:bodyclose // response body closed by the dialer
		if e != nil {
			log.Printf("[DEBUG] dial %s failed, %v", c.URL, e)
		}
		return e
	}

	if c.Repeater == nil {
		return conn, dialFn()
	}
	return conn, c.Repeater.Do(ctx, dialFn)
}

// read delivers frames until the connection breaks or ctx is done
func (c *WSClient) read(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return fmt.Errorf("closed by peer: %w", err)
			}
			return err
		}
		if typ != websocket.BinaryMessage {
			log.Printf("[DEBUG] non-binary message from %s ignored", c.URL)
			continue
		}
		if err := c.Hub.DeliverFrame(data); err != nil {
			log.Printf("[WARN] %v", err)
		}
	}
}
