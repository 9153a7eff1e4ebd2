package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/terrafield/relay/internal/domain"
	"github.com/terrafield/relay/internal/endpoint"
	"github.com/terrafield/relay/internal/protocol"
)

// streamTransport is the server-push-stream fallback: inbound frames
// arrive on a long-lived event stream, outbound frames go over POST
// /message.
type streamTransport struct {
	baseURL  string
	clientID string
	httpc    *http.Client
	body     *http.Response
	cancel   context.CancelFunc

	mu        sync.Mutex
	closeOnce sync.Once
	closeCode int
}

// dialStream negotiates a push-stream transport.
func dialStream(ctx context.Context, baseURL, clientID string, now time.Time) (Transport, error) {
	u, err := queryURL(baseURL, endpoint.PathPushStream, clientID, now)
	if err != nil {
		return nil, domain.NewTransportError(string(domain.TransportPushStream), "negotiate", err)
	}

	// The stream outlives the dial context.
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, domain.NewTransportError(string(domain.TransportPushStream), "negotiate", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	httpc := &http.Client{} // no client timeout: the stream is long-lived
	resp, err := httpc.Do(req)
	if err != nil {
		cancel()
		return nil, domain.NewTransportError(string(domain.TransportPushStream), "dial", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, domain.NewTransportError(string(domain.TransportPushStream), "dial",
			fmt.Errorf("status %d", resp.StatusCode))
	}

	return &streamTransport{
		baseURL:   baseURL,
		clientID:  clientID,
		httpc:     &http.Client{Timeout: sendTimeout},
		body:      resp,
		cancel:    cancel,
		closeCode: protocol.CloseAbnormal,
	}, nil
}

func (t *streamTransport) Kind() domain.Transport { return domain.TransportPushStream }

func (t *streamTransport) Run(onFrame func([]byte), onClosed func(code int)) {
	go func() {
		defer t.body.Body.Close()

		scanner := bufio.NewScanner(t.body.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		eventName := ""
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				eventName = ""

			case strings.HasPrefix(line, "event:"):
				eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))

			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if eventName == "close" {
					t.mu.Lock()
					t.closeCode = parseCloseEvent(data)
					t.mu.Unlock()
					continue
				}
				onFrame([]byte(data))
			}
		}

		t.mu.Lock()
		code := t.closeCode
		t.mu.Unlock()
		onClosed(code)
	}()
}

func (t *streamTransport) Send(data []byte) error {
	return postMessage(t.httpc, t.baseURL, t.clientID, data, string(domain.TransportPushStream))
}

func (t *streamTransport) Close(code int, reason string) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closeCode = code
		t.mu.Unlock()
		t.cancel()
	})
}

// parseCloseEvent extracts the close code from a terminal stream event.
func parseCloseEvent(data string) int {
	var body struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal([]byte(data), &body); err != nil || body.Code == 0 {
		return protocol.CloseAbnormal
	}
	return body.Code
}

// postMessage sends one envelope over the HTTP message surface, shared by
// the stream and poll transports.
func postMessage(httpc *http.Client, baseURL, clientID string, data []byte, transport string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return domain.NewTransportError(transport, "write", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + endpoint.PathMessage
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()

	resp, err := httpc.Post(u.String(), "application/json", bytes.NewReader(data))
	if err != nil {
		return domain.NewTransportError(transport, "write", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return domain.NewTransportError(transport, "write", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// queryURL appends the negotiation query parameters to an HTTP path.
func queryURL(baseURL, path, clientID string, now time.Time) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path

	q := u.Query()
	q.Set("clientId", clientID)
	q.Set("t", strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
