package endpoint

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/terrafield/relay/internal/protocol"
)

// WebSocket timing constants, tuned for mobile network tolerance.
const (
	// writeWait is time allowed to write a frame to the peer.
	writeWait = 15 * time.Second

	// pongWait is time allowed to read the next transport-native pong.
	// The application-level heartbeat is authoritative; this keep-alive
	// only stops intermediaries from reaping the socket.
	pongWait = 90 * time.Second

	// pingPeriod is the native ping interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum frame size accepted from a peer.
	maxMessageSize = 512 * 1024

	// sendBufferSize is the outbound queue depth per connection.
	sendBufferSize = 1024
)

// wsLink carries one WebSocket connection. A read pump feeds inbound
// frames to the endpoint; a write pump drains the send buffer and keeps
// the socket alive with native pings.
type wsLink struct {
	conn *websocket.Conn
	buf  *sendBuffer

	// onFrame receives each inbound text frame.
	onFrame func(data []byte)

	// onClosed reports the close code observed when the read pump exits;
	// CloseAbnormal means no closing handshake was seen.
	onClosed func(code int)

	closeCode   int
	closeReason string
}

func newWSLink(id string, conn *websocket.Conn) *wsLink {
	return &wsLink{
		conn:      conn,
		buf:       newSendBuffer(id, sendBufferSize),
		closeCode: protocol.CloseNormal,
	}
}

// start launches the pumps after callbacks are bound.
func (l *wsLink) start() {
	go l.writePump()
	go l.readPump()
}

// Deliver queues a frame for the peer.
func (l *wsLink) Deliver(data []byte) error {
	return l.buf.put(data)
}

// Close records the close code for the closing handshake and stops the
// pumps. Safe to call more than once.
func (l *wsLink) Close(code int, reason string) error {
	if !l.buf.isClosed() {
		l.closeCode = code
		l.closeReason = reason
	}
	l.buf.close()
	return nil
}

// readPump pumps inbound frames to the endpoint until the socket dies.
func (l *wsLink) readPump() {
	defer func() {
		l.buf.close()
		_ = l.conn.Close()
	}()

	l.conn.SetReadLimit(maxMessageSize)
	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			code := protocol.CloseAbnormal
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket read ended")
			}
			if l.onClosed != nil {
				l.onClosed(code)
			}
			return
		}
		if l.onFrame != nil {
			l.onFrame(data)
		}
	}
}

// writePump drains the send buffer to the socket. On shutdown it sends the
// closing handshake with the recorded code before releasing the socket.
func (l *wsLink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
		msg := websocket.FormatCloseMessage(l.closeCode, l.closeReason)
		_ = l.conn.WriteMessage(websocket.CloseMessage, msg)
		_ = l.conn.Close()
	}()

	for {
		select {
		case <-l.buf.done:
			// Flush frames queued before the close, the shutdown
			// notice among them, ahead of the closing handshake.
			for {
				select {
				case data := <-l.buf.channel():
					_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					return
				}
			}

		case data, ok := <-l.buf.channel():
			if !ok {
				return
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			// One envelope per frame; batching would corrupt JSON
			// parsing on the client.
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Msg("websocket ping error")
				return
			}
		}
	}
}
