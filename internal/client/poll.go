package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/terrafield/relay/internal/clock"
	"github.com/terrafield/relay/internal/domain"
	"github.com/terrafield/relay/internal/endpoint"
	"github.com/terrafield/relay/internal/protocol"
)

// DefaultPollInterval is the cadence of the HTTP fallback.
const DefaultPollInterval = 2 * time.Second

// pollFailureLimit is how many consecutive failed polls count as a dead
// channel.
const pollFailureLimit = 3

// pollTransport is the transport of last resort: inbound frames are
// fetched by periodic GET /poll, outbound frames go over POST /message.
type pollTransport struct {
	baseURL  string
	clientID string
	httpc    *http.Client
	clk      clock.Clock
	interval time.Duration

	firstBatch []json.RawMessage

	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	closeCode int
}

// dialPoll negotiates a poll connection with an initial GET /poll.
func dialPoll(ctx context.Context, baseURL, clientID string, clk clock.Clock, interval time.Duration) (Transport, error) {
	t := &pollTransport{
		baseURL:   baseURL,
		clientID:  clientID,
		httpc:     &http.Client{Timeout: sendTimeout},
		clk:       clk,
		interval:  interval,
		done:      make(chan struct{}),
		closeCode: protocol.CloseAbnormal,
	}

	resp, err := t.poll(ctx)
	if err != nil {
		return nil, domain.NewTransportError(string(domain.TransportPoll), "negotiate", err)
	}
	if resp.Closed {
		return nil, domain.NewTransportError(string(domain.TransportPoll), "negotiate",
			fmt.Errorf("connection closed during negotiation (code %d)", resp.Code))
	}
	t.firstBatch = resp.Messages
	return t, nil
}

func (t *pollTransport) Kind() domain.Transport { return domain.TransportPoll }

func (t *pollTransport) Run(onFrame func([]byte), onClosed func(code int)) {
	go func() {
		for _, m := range t.firstBatch {
			onFrame([]byte(m))
		}
		t.firstBatch = nil

		ticker := t.clk.NewTicker(t.interval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-t.done:
				t.mu.Lock()
				code := t.closeCode
				t.mu.Unlock()
				onClosed(code)
				return

			case <-ticker.C():
				resp, err := t.poll(context.Background())
				if err != nil {
					failures++
					log.Debug().Err(err).Int("failures", failures).Msg("poll failed")
					if failures >= pollFailureLimit {
						onClosed(protocol.CloseAbnormal)
						return
					}
					continue
				}
				failures = 0

				if resp.Closed {
					code := resp.Code
					if code == 0 {
						code = protocol.CloseAbnormal
					}
					onClosed(code)
					return
				}
				for _, m := range resp.Messages {
					onFrame([]byte(m))
				}
			}
		}
	}()
}

func (t *pollTransport) Send(data []byte) error {
	return postMessage(t.httpc, t.baseURL, t.clientID, data, string(domain.TransportPoll))
}

func (t *pollTransport) Close(code int, reason string) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closeCode = code
		t.mu.Unlock()
		close(t.done)
	})
}

// pollResponse mirrors the server's GET /poll body.
type pollResponse struct {
	Messages []json.RawMessage `json:"messages"`
	Closed   bool              `json:"closed"`
	Code     int               `json:"code"`
	Reason   string            `json:"reason"`
}

// poll performs one GET /poll round trip.
func (t *pollTransport) poll(ctx context.Context) (*pollResponse, error) {
	u, err := queryURL(t.baseURL, endpoint.PathPoll, t.clientID, t.clk.Now())
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, err
	}
	var out pollResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
