package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Path is where the master accepts worker connections.
	Path = "/swarm"
	// NodeIDHeader names the connecting worker.
	NodeIDHeader = "X-Swarmfire-Node"

	defaultWriteTimeout = 10 * time.Second
	maxFrameSize        = 16 << 20
)

type peer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peer) write(ctx context.Context, m Message) error {
	data, err := encodeFrame(m)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (p *peer) close() error {
	p.wmu.Lock()
	_ = p.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	p.wmu.Unlock()
	return p.conn.Close()
}

// Server is the websocket MasterTransport. It is an http.Handler; use
// Listen to serve it on its own address.
type Server struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	inbox    chan Message

	mu     sync.Mutex
	peers  map[string]*peer
	srv    *http.Server
	addr   net.Addr
	closed chan struct{}
	once   sync.Once
}

func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("transport"),
		inbox:  make(chan Message, 1024),
		peers:  map[string]*peer{},
		closed: make(chan struct{}),
	}
}

// Listen binds addr and serves worker connections in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(Path, s)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("master transport stopped", zap.Error(err))
		}
	}()
	s.logger.Info("accepting workers", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address after Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	nodeID := r.Header.Get(NodeIDHeader)
	if nodeID == "" {
		nodeID = r.URL.Query().Get("node_id")
	}
	if nodeID == "" {
		http.Error(w, "missing node id", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameSize)

	p := &peer{conn: conn}
	s.mu.Lock()
	old := s.peers[nodeID]
	s.peers[nodeID] = p
	s.mu.Unlock()
	if old != nil {
		_ = old.close()
	}
	s.logger.Debug("worker connected", zap.String("node_id", nodeID))
	s.readLoop(nodeID, p)
}

func (s *Server) readLoop(nodeID string, p *peer) {
	defer func() {
		s.mu.Lock()
		if s.peers[nodeID] == p {
			delete(s.peers, nodeID)
		}
		s.mu.Unlock()
		_ = p.conn.Close()
	}()
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("worker connection lost", zap.String("node_id", nodeID), zap.Error(err))
			}
			return
		}
		m, err := decodeFrame(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", zap.String("node_id", nodeID), zap.Error(err))
			continue
		}
		m.NodeID = nodeID
		select {
		case s.inbox <- m:
		case <-s.closed:
			return
		}
	}
}

func (s *Server) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-s.inbox:
		return m, nil
	case <-s.closed:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *Server) Send(ctx context.Context, nodeID string, m Message) error {
	s.mu.Lock()
	p, ok := s.peers[nodeID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("send %s to %s: %w", m.Type, nodeID, ErrUnknownNode)
	}
	return p.write(ctx, m)
}

// Close disconnects every worker and stops listening.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		peers := s.peers
		s.peers = map[string]*peer{}
		srv := s.srv
		s.mu.Unlock()
		for _, p := range peers {
			_ = p.close()
		}
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = srv.Shutdown(ctx)
		}
	})
	return err
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithMaxElapsed bounds how long a (re)connect keeps retrying.
func WithMaxElapsed(d time.Duration) ClientOption {
	return func(c *Client) { c.maxElapsed = d }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l.Named("transport")
		}
	}
}

// Client is the websocket WorkerTransport.
type Client struct {
	url        string
	nodeID     string
	dialer     *websocket.Dialer
	logger     *zap.Logger
	maxElapsed time.Duration
	inbox      chan Message

	mu     sync.Mutex
	peer   *peer
	closed chan struct{}
	once   sync.Once
}

// Dial connects to the master at masterURL (ws://host:port), retrying with
// exponential backoff.
func Dial(ctx context.Context, masterURL, nodeID string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(masterURL)
	if err != nil {
		return nil, fmt.Errorf("parse master url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	}
	c := &Client{
		url:        u.String(),
		nodeID:     nodeID,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:     zap.NewNop(),
		maxElapsed: time.Minute,
		inbox:      make(chan Message, 256),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set(NodeIDHeader, c.nodeID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusBadRequest {
				return nil, backoff.Permanent(fmt.Errorf("master rejected connection: %w", err))
			}
			c.logger.Debug("dial master failed, retrying", zap.String("url", c.url), zap.Error(err))
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(c.maxElapsed))
	if err != nil {
		return fmt.Errorf("connect to master %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	p := &peer{conn: conn}
	c.mu.Lock()
	c.peer = p
	c.mu.Unlock()
	go c.readLoop(p)
	return nil
}

func (c *Client) readLoop(p *peer) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("master connection closed", zap.Error(err))
			return
		}
		m, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		select {
		case c.inbox <- m:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) current() (*peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return nil, ErrClosed
	}
	return c.peer, nil
}

func (c *Client) Send(ctx context.Context, m Message) error {
	p, err := c.current()
	if err != nil {
		return err
	}
	m.NodeID = c.nodeID
	return p.write(ctx, m)
}

func (c *Client) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.closed:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Reset closes the current connection and dials again.
func (c *Client) Reset(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	old := c.peer
	c.peer = nil
	c.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	c.logger.Info("reconnecting to master", zap.String("url", c.url))
	return c.connect(ctx)
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		p := c.peer
		c.peer = nil
		c.mu.Unlock()
		if p != nil {
			err = p.close()
		}
	})
	return err
}
