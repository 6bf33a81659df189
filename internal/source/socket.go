package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"callbot/internal/calls"
	logx "callbot/pkg/logx"
)

// Engine.IO v3 packet types (first byte of a text frame).
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO packet types (second byte of an engine.io message).
const (
	sioConnect    = '0'
	sioDisconnect = '1'
	sioEvent      = '2'
	sioError      = '4'
)

const (
	eventNewMessage = "new message"
	eventStart      = "start"
	startFilterName = "OpenMHZ"
)

var ErrSocketClosed = errors.New("socket closed by server")

type SocketConfig struct {
	URL    string // e.g. wss://api.openmhz.com/socket.io/
	System string
	Filter Filter
	// HandshakeTimeout bounds dial and the wait for the open packet.
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
}

// Socket subscribes to live calls over socket.io (engine.io protocol 3).
//
// Run holds one connection until it fails or ctx ends; callers restart it.
type Socket struct {
	cfg SocketConfig
	log logx.Logger
}

func NewSocket(cfg SocketConfig, log logx.Logger) *Socket {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = cfg.HandshakeTimeout
		cfg.Dialer = &d
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Socket{cfg: cfg, log: log}
}

// Endpoint returns the websocket URL with the engine.io query.
func (s *Socket) Endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("socket url: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("EIO", "3")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"` // ms
	PingTimeout  int    `json:"pingTimeout"`  // ms
}

type startMessage struct {
	FilterCode    any    `json:"filterCode"`
	FilterType    string `json:"filterType"`
	FilterName    string `json:"filterName"`
	FilterStarred bool   `json:"filterStarred"`
	ShortName     string `json:"shortName"`
}

// conn serializes writes; gorilla allows a single concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Run connects, subscribes and forwards every received call to sink as a
// single-event batch. It returns nil only when ctx is cancelled.
func (s *Socket) Run(ctx context.Context, sink Sink) error {
	endpoint, err := s.Endpoint()
	if err != nil {
		return err
	}
	ws, _, err := s.cfg.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("socket dial: %w", err)
	}
	defer ws.Close()
	c := &conn{ws: ws}

	g, gctx := errgroup.WithContext(ctx)
	// closing the socket unblocks the reader once either side gives up
	stop := context.AfterFunc(gctx, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	})
	defer stop()

	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	open, err := readOpen(ws)
	if err != nil {
		return err
	}
	interval := time.Duration(open.PingInterval) * time.Millisecond
	timeout := time.Duration(open.PingTimeout) * time.Millisecond
	if interval <= 0 {
		interval = 25 * time.Second
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	s.log.Info("socket connected", logx.String("sid", open.SID), logx.Duration("ping_interval", interval))

	if err := c.write("40"); err != nil {
		return fmt.Errorf("socket connect: %w", err)
	}
	g.Go(func() error { return s.pingLoop(gctx, c, interval) })
	g.Go(func() error { return s.readLoop(gctx, c, sink, interval+timeout) })

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readLoop handles inbound packets. The read deadline is kept one ping
// round-trip ahead so a silent server is detected.
func (s *Socket) readLoop(ctx context.Context, c *conn, sink Sink, deadline time.Duration) error {
	ws := c.ws
	_ = ws.SetReadDeadline(time.Now().Add(deadline))
	subscribed := false
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("socket read: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(deadline))
		if len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case eioPing:
			if err := c.write(string(eioPong) + string(msg[1:])); err != nil {
				return fmt.Errorf("socket pong: %w", err)
			}
		case eioPong:
		case eioClose:
			return ErrSocketClosed
		case eioMessage:
			if len(msg) < 2 {
				continue
			}
			switch msg[1] {
			case sioConnect:
				if subscribed {
					continue
				}
				if err := c.write(s.startFrame()); err != nil {
					return fmt.Errorf("socket subscribe: %w", err)
				}
				subscribed = true
				s.log.Info("socket subscribed",
					logx.String("system", s.cfg.System),
					logx.String("filter_type", s.cfg.Filter.kind()))
			case sioDisconnect:
				return ErrSocketClosed
			case sioError:
				return fmt.Errorf("socket error packet: %s", msg[2:])
			case sioEvent:
				name, payload, err := decodeEvent(msg[2:])
				if err != nil {
					s.log.Warn("socket event unreadable", logx.Err(err))
					continue
				}
				if name != eventNewMessage {
					s.log.Trace("socket event ignored", logx.String("event", name))
					continue
				}
				if err := sink.Submit(ctx, s.batch(payload)); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Socket) pingLoop(ctx context.Context, c *conn, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := c.write(string(eioPing)); err != nil {
				return fmt.Errorf("socket ping: %w", err)
			}
		}
	}
}

func (s *Socket) startFrame() string {
	b, _ := json.Marshal([]any{eventStart, startMessage{
		FilterCode:    s.cfg.Filter.startCode(),
		FilterType:    s.cfg.Filter.kind(),
		FilterName:    startFilterName,
		FilterStarred: false,
		ShortName:     s.cfg.System,
	}})
	return "42" + string(b)
}

// batch turns one "new message" payload into a batch. A bad call yields an
// OK batch with the call listed as rejected.
func (s *Socket) batch(payload json.RawMessage) calls.Batch {
	raw := []byte(payload)
	// The server sends the call as a JSON-encoded string.
	var str string
	if err := json.Unmarshal(payload, &str); err == nil {
		raw = []byte(str)
	}
	ev, err := calls.DecodeCall(raw, "socket")
	if err != nil {
		return calls.Batch{Status: calls.StatusOK, Rejected: []calls.Rejected{{Index: 0, Err: err}}}
	}
	return calls.Batch{Status: calls.StatusOK, Events: []calls.Event{ev}}
}

func readOpen(ws *websocket.Conn) (openPacket, error) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return openPacket{}, fmt.Errorf("socket handshake: %w", err)
		}
		if len(msg) == 0 || msg[0] != eioOpen {
			continue
		}
		var open openPacket
		if err := json.Unmarshal(msg[1:], &open); err != nil {
			return openPacket{}, fmt.Errorf("socket open packet: %w", err)
		}
		return open, nil
	}
}

// decodeEvent splits a socket.io event body `[<ack id>]["name", arg...]`.
func decodeEvent(body []byte) (string, json.RawMessage, error) {
	// Optional namespace ("/ns,") and ack id prefix.
	if len(body) > 0 && body[0] == '/' {
		i := bytes.IndexByte(body, ',')
		if i < 0 {
			return "", nil, errors.New("namespace without payload")
		}
		body = body[i+1:]
	}
	i := 0
	for i < len(body) && body[i] >= '0' && body[i] <= '9' {
		i++
	}
	if i > 0 {
		if _, err := strconv.Atoi(string(body[:i])); err != nil {
			return "", nil, err
		}
		body = body[i:]
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return "", nil, fmt.Errorf("event array: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, errors.New("empty event array")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name: %w", err)
	}
	name = strings.TrimSpace(name)
	if len(parts) < 2 {
		return name, nil, nil
	}
	return name, parts[1], nil
}
