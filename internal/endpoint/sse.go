package endpoint

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/terrafield/relay/internal/protocol"
)

// sseLink carries one server-push stream. Frames flow server-to-client
// only; client-to-server traffic for stream clients arrives via POST
// /message. The stream ends with a terminal close event so the client can
// distinguish a clean close from a dropped proxy.
type sseLink struct {
	buf *sendBuffer

	closeCode   int
	closeReason string
}

func newSSELink(id string) *sseLink {
	return &sseLink{
		buf:       newSendBuffer(id, sendBufferSize),
		closeCode: protocol.CloseNormal,
	}
}

// Deliver queues a frame for the stream writer.
func (l *sseLink) Deliver(data []byte) error {
	return l.buf.put(data)
}

// Close records the close code and ends the stream.
func (l *sseLink) Close(code int, reason string) error {
	if !l.buf.isClosed() {
		l.closeCode = code
		l.closeReason = reason
	}
	l.buf.close()
	return nil
}

// serve writes the event stream until the link closes or the client goes
// away. It runs on the HTTP handler goroutine.
func (l *sseLink) serve(w http.ResponseWriter, r *http.Request, onGone func()) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			// Peer vanished without a handshake.
			onGone()
			return

		case <-l.buf.done:
			// Flush frames queued before the close ahead of the
			// terminal event.
			for {
				select {
				case data := <-l.buf.channel():
					fmt.Fprintf(w, "data: %s\n\n", data)
				default:
					l.writeCloseEvent(w, flusher)
					flusher.Flush()
					return
				}
			}

		case data, ok := <-l.buf.channel():
			if !ok {
				l.writeCloseEvent(w, flusher)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// writeCloseEvent emits a terminal event carrying the close code, the SSE
// equivalent of a closing handshake.
func (l *sseLink) writeCloseEvent(w http.ResponseWriter, flusher http.Flusher) {
	body, err := json.Marshal(map[string]interface{}{
		"code":   l.closeCode,
		"reason": l.closeReason,
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: close\ndata: %s\n\n", body)
	flusher.Flush()
}
