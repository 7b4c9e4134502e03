package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warplink/internal/dns"
	"github.com/BioHazard786/warplink/internal/record"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024

	maxReconnectDelay = 30 * time.Second
)

var ErrForbidden = errors.New("owner token rejected")

// Client talks to a record server. It implements record.Store: record CRUD
// goes over the REST API and change subscriptions over one websocket.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
	broker  *record.Broker

	mu       sync.Mutex
	conn     *websocket.Conn
	outgoing chan *Message
	subs     map[string]int
	tokens   map[string]string
	done     chan struct{}
	closed   bool
}

// NewClient returns a client for the server at serverURL.
func NewClient(serverURL string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", serverURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dns.DialContext

	return &Client{
		baseURL: u,
		http:    &http.Client{Transport: transport},
		dialer: &websocket.Dialer{
			NetDialContext:   dns.DialContext,
			HandshakeTimeout: writeWait,
		},
		logger: logger,
		broker: record.NewBroker(),
		subs:   make(map[string]int),
		tokens: make(map[string]string),
		done:   make(chan struct{}),
	}, nil
}

// BaseURL returns the server URL the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

func (c *Client) wsURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignalingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return record.ErrNotFound
	case http.StatusConflict:
		return record.ErrFieldConflict
	case http.StatusPreconditionFailed:
		return record.ErrOfferMissing
	case http.StatusForbidden, http.StatusUnauthorized:
		return ErrForbidden
	case http.StatusBadRequest:
		if body.Error == record.ErrInvalidField.Error() {
			return record.ErrInvalidField
		}
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: server returned %s", ErrSignalingUnavailable, resp.Status)
	}
	if body.Error != "" {
		return fmt.Errorf("server returned %s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

// CreateRecord creates r and returns it along with the owner token needed
// to delete it later.
func (c *Client) CreateRecord(ctx context.Context, r record.Record) (record.Record, string, error) {
	var resp CreateResponse
	if err := c.do(ctx, http.MethodPost, "/api/records", nil, r.Public(), &resp); err != nil {
		return record.Record{}, "", err
	}

	c.mu.Lock()
	c.tokens[resp.Record.ID] = resp.OwnerToken
	c.mu.Unlock()
	return resp.Record, resp.OwnerToken, nil
}

func (c *Client) Create(ctx context.Context, r record.Record) (record.Record, error) {
	created, _, err := c.CreateRecord(ctx, r)
	return created, err
}

func (c *Client) Get(ctx context.Context, id string) (record.Record, error) {
	var r record.Record
	err := c.do(ctx, http.MethodGet, "/api/records/"+url.PathEscape(id), nil, nil, &r)
	return r, err
}

func (c *Client) UpdateFields(ctx context.Context, id string, p record.Patch) error {
	return c.do(ctx, http.MethodPatch, "/api/records/"+url.PathEscape(id), nil, p, nil)
}

func (c *Client) IncrementDownloadCount(ctx context.Context, id string) (int64, error) {
	var resp CountResponse
	err := c.do(ctx, http.MethodPost, "/api/records/"+url.PathEscape(id)+"/downloads", nil, nil, &resp)
	return resp.DownloadCount, err
}

// Delete removes a record created by this client.
func (c *Client) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	token, ok := c.tokens[id]
	c.mu.Unlock()
	if !ok {
		return ErrForbidden
	}
	return c.DeleteWithToken(ctx, id, token)
}

// DeleteWithToken removes a record and its stored object.
func (c *Client) DeleteWithToken(ctx context.Context, id, token string) error {
	header := http.Header{}
	header.Set(OwnerTokenHeader, token)
	if err := c.do(ctx, http.MethodDelete, "/api/records/"+url.PathEscape(id), header, nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.tokens, id)
	c.mu.Unlock()
	return nil
}

// Upload stores the contents of r under name and returns its direct link.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, size int64) (Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.endpoint("/api/objects/"+url.PathEscape(name)), r)
	if err != nil {
		return Object{}, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	var obj Object
	if err := c.send(req, &obj); err != nil {
		return Object{}, err
	}
	return obj, nil
}

// ResolveLink turns a server-relative direct link into an absolute one on
// the client's server. Absolute links are returned unchanged.
func (c *Client) ResolveLink(link string) string {
	ref, err := url.Parse(link)
	if err != nil || link == "" {
		return link
	}
	return c.baseURL.ResolveReference(ref).String()
}

// Download streams the object behind a direct link into w.
func (c *Client) Download(ctx context.Context, link string, w io.Writer) (int64, error) {
	link = c.ResolveLink(link)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", link, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: %s", link, resp.Status)
	}
	return io.Copy(w, resp.Body)
}

// Subscribe validates the record, replays its current state and follows
// changes pushed over the websocket.
func (c *Client) Subscribe(ctx context.Context, id string, fn func(record.Record)) (func(), error) {
	current, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unsubscribe := c.broker.Subscribe(id, &current, fn)
	if err := c.retain(ctx, id); err != nil {
		unsubscribe()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			c.release(id)
		})
	}, nil
}

func (c *Client) retain(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: %w", ErrSignalingUnavailable, record.ErrClosed)
	}
	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return err
		}
	}

	c.subs[id]++
	if c.subs[id] == 1 {
		c.enqueueLocked(&Message{Type: MessageTypeSubscribe, RecordID: id})
	}
	return nil
}

func (c *Client) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs[id] == 0 {
		return
	}
	c.subs[id]--
	if c.subs[id] == 0 {
		delete(c.subs, id)
		if c.conn != nil && !c.closed {
			c.enqueueLocked(&Message{Type: MessageTypeUnsubscribe, RecordID: id})
		}
	}
}

// enqueueLocked never blocks; a full queue means the writer is stuck and the
// connection is about to be torn down and resubscribed anyway.
func (c *Client) enqueueLocked(msg *Message) {
	select {
	case c.outgoing <- msg:
	default:
		c.logger.Warn("dropping websocket message, send queue full", "type", msg.Type)
	}
}

func (c *Client) connectLocked(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignalingUnavailable, err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.conn = conn
	c.outgoing = make(chan *Message, 64)
	stop := make(chan struct{})

	go c.readPump(conn, stop)
	go c.writePump(conn, c.outgoing, stop)

	for id := range c.subs {
		c.enqueueLocked(&Message{Type: MessageTypeSubscribe, RecordID: id})
	}
	return nil
}

// readPump routes server pushes until the connection drops, then starts a
// reconnect if the client is still open.
func (c *Client) readPump(conn *websocket.Conn, stop chan struct{}) {
	defer func() {
		close(stop)
		conn.Close()
		c.connectionLost(conn)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		c.handle(&msg)
	}
}

func (c *Client) writePump(conn *websocket.Conn, outgoing <-chan *Message, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-outgoing:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-stop:
			return
		}
	}
}

func (c *Client) connectionLost(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	pending := len(c.subs)
	c.mu.Unlock()

	if closed || pending == 0 {
		return
	}
	c.logger.Warn("record subscription connection lost, reconnecting")
	go c.reconnect()
}

func (c *Client) reconnect() {
	delay := time.Second
	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.closed || c.conn != nil {
			c.mu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := c.connectLocked(ctx)
		cancel()
		c.mu.Unlock()

		if err == nil {
			c.logger.Info("record subscription connection restored")
			return
		}
		c.logger.Debug("reconnect failed", "error", err, "retry_in", delay)
		delay = min(delay*2, maxReconnectDelay)
	}
}

// Close stops all subscriptions and the websocket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.broker.Close()
	c.http.CloseIdleConnections()
	return nil
}
