// Package ethrpc provides a minimal Ethereum JSON-RPC WebSocket client
// for log subscriptions. The client covers a single subscription and
// does not reconnect on its own: connection health and reconnection are
// owned by the caller, which tears the client down and dials a new one.
package ethrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
)

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// SubscribeTimeout bounds the wait for a subscription confirmation.
	SubscribeTimeout time.Duration
	// LogBuffer is the capacity of the delivered log channel.
	LogBuffer int
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		SubscribeTimeout: 30 * time.Second,
		LogBuffer:        1024,
	}
}

// WSClient implements an eth_subscribe("logs") subscription over
// gorilla/websocket.
type WSClient struct {
	endpoint string
	config   WSClientConfig

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	requestID atomic.Uint64

	// pending maps request ID to channel waiting for the RPC response
	pending   map[uint64]chan json.RawMessage
	pendingMu sync.Mutex

	// subID is the confirmed subscription identifier
	subID   string
	subIDMu sync.Mutex

	// logs delivers decoded log notifications; closed when the
	// connection dies or the client is closed
	logs     chan types.Log
	logsOnce sync.Once

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWSClient creates a new WebSocket client and connects to the endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*WSClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}

	c := &WSClient{
		endpoint: endpoint,
		config:   cfg,
		pending:  make(map[uint64]chan json.RawMessage),
		logs:     make(chan types.Log, cfg.LogBuffer),
		done:     make(chan struct{}),
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// logsFilter is the eth_subscribe("logs") filter object.
type logsFilter struct {
	Address []common.Address `json:"address,omitempty"`
	Topics  [][]common.Hash  `json:"topics,omitempty"`
}

// SubscribeLogs subscribes to logs matching the addresses and topics and
// returns the delivery channel. The channel is closed when the
// connection breaks or the client is closed; a closed channel means the
// caller must dial a fresh client.
func (c *WSClient) SubscribeLogs(ctx context.Context, addresses []common.Address, topics [][]common.Hash) (<-chan types.Log, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("client closed")
	}

	raw, err := c.call(ctx, "eth_subscribe", []interface{}{
		"logs",
		logsFilter{Address: addresses, Topics: topics},
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil {
		return nil, fmt.Errorf("decode subscription id: %w", err)
	}

	c.subIDMu.Lock()
	c.subID = subID
	c.subIDMu.Unlock()

	return c.logs, nil
}

// call performs one JSON-RPC request and waits for its response.
func (c *WSClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	reqID := c.requestID.Add(1)
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	respCh := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respCh
	c.pendingMu.Unlock()

	cancelPending := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	c.connMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(req)
	c.connMu.Unlock()
	if err != nil {
		cancelPending()
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case raw, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return raw, nil
	case <-time.After(c.config.SubscribeTimeout):
		cancelPending()
		return nil, fmt.Errorf("%s timeout after %v", method, c.config.SubscribeTimeout)
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	case <-ctx.Done():
		cancelPending()
		return nil, ctx.Err()
	}
}

// Close closes the WebSocket connection. Safe to call multiple times and
// safe to call when no subscription was ever established.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.wg.Wait()
	c.closeLogs()
	return nil
}

// closeLogs closes the delivery channel exactly once.
func (c *WSClient) closeLogs() {
	c.logsOnce.Do(func() { close(c.logs) })
}

// readLoop reads messages until the connection breaks, then closes the
// log channel to signal the owner.
func (c *WSClient) readLoop() {
	defer c.wg.Done()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				// Dead connection: signal the owner via channel close.
				c.closeLogs()
			}
			return
		}
		c.handleMessage(message)
	}
}

// handleMessage processes one incoming WebSocket message.
func (c *WSClient) handleMessage(message []byte) {
	// Subscription notification
	var notif wsNotification
	if err := json.Unmarshal(message, &notif); err == nil && notif.Method == "eth_subscription" && notif.Params != nil {
		c.handleLogNotification(notif.Params)
		return
	}

	// RPC response
	var resp wsResponse
	if err := json.Unmarshal(message, &resp); err != nil || resp.ID == 0 {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	if resp.Error != nil {
		// Deliver nothing; the caller times out and surfaces the error
		// via its own path. Close so the caller fails fast.
		close(ch)
		return
	}
	ch <- resp.Result
}

// handleLogNotification decodes and delivers one log.
func (c *WSClient) handleLogNotification(params *wsNotificationParams) {
	c.subIDMu.Lock()
	subID := c.subID
	c.subIDMu.Unlock()
	if subID != "" && params.Subscription != subID {
		return
	}

	var lg types.Log
	if err := json.Unmarshal(params.Result, &lg); err != nil {
		return
	}

	select {
	case c.logs <- lg:
	case <-c.done:
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.conn.WriteMessage(websocket.PingMessage, nil)
			c.connMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wsError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

type wsNotification struct {
	JSONRPC string                `json:"jsonrpc"`
	Method  string                `json:"method"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}
