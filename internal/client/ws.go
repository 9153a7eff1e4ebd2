package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/terrafield/relay/internal/domain"
	"github.com/terrafield/relay/internal/endpoint"
	"github.com/terrafield/relay/internal/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	sendTimeout      = 15 * time.Second
)

// wsTransport is a WebSocket channel on either socket path.
type wsTransport struct {
	kind domain.Transport
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeCode int
}

// dialSocket negotiates a WebSocket transport. The cache-busting `t`
// parameter stops intermediary proxies from replaying a stale upgrade
// response.
func dialSocket(ctx context.Context, kind domain.Transport, baseURL, clientID string, now time.Time) (Transport, error) {
	path := endpoint.PathPrimarySocket
	if kind == domain.TransportAlternateSocket {
		path = endpoint.PathAlternateSocket
	}

	u, err := socketURL(baseURL, path, clientID, now)
	if err != nil {
		return nil, domain.NewTransportError(string(kind), "negotiate", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, domain.NewTransportError(string(kind), "dial", err)
	}

	return &wsTransport{kind: kind, conn: conn, closeCode: protocol.CloseAbnormal}, nil
}

func (t *wsTransport) Kind() domain.Transport { return t.kind }

func (t *wsTransport) Run(onFrame func([]byte), onClosed func(code int)) {
	go func() {
		for {
			_, data, err := t.conn.ReadMessage()
			if err != nil {
				code := t.closeCode
				if ce, ok := err.(*websocket.CloseError); ok {
					code = ce.Code
				}
				onClosed(code)
				return
			}
			onFrame(data)
		}
	}()
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return domain.NewTransportError(string(t.kind), "write", err)
	}
	return nil
}

func (t *wsTransport) Close(code int, reason string) {
	t.closeOnce.Do(func() {
		t.closeCode = code
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
		msg := websocket.FormatCloseMessage(code, reason)
		if err := t.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
			log.Debug().Err(err).Msg("close frame write failed")
		}
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
}

// socketURL converts the HTTP base URL to its WebSocket form and appends
// the negotiation query parameters.
func socketURL(baseURL, path, clientID string, now time.Time) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path

	q := u.Query()
	q.Set("clientId", clientID)
	q.Set("t", strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
