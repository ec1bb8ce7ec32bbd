package collab

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is an opaque duplex byte-stream to the relay. The session
// owns its transport exclusively.
type Transport interface {
	// ReadMessage blocks until the next binary frame or a terminal error.
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close() error
}

// DialFunc opens a transport to the endpoint for a given document.
type DialFunc func(ctx context.Context, endpoint, docID string) (Transport, error)

// DialWebsocket is the default DialFunc. The endpoint may use an http or
// https scheme, which maps to ws or wss respectively; the document
// identifier travels as the docId query parameter.
func DialWebsocket(ctx context.Context, endpoint, docID string) (Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("docId", docID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", u, err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		mt, p, err := t.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		// Text and control frames carry no protocol content.
		if mt == websocket.BinaryMessage {
			return p, nil
		}
	}
}

func (t *wsTransport) WriteMessage(frame []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
