package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pg9182/tunneld/pkg/admin"
	"github.com/pg9182/tunneld/pkg/handshake"
	"github.com/pg9182/tunneld/pkg/tunnel"
	"github.com/pg9182/tunneld/pkg/vmetrics"
	"github.com/pg9182/tunneld/pkg/wire"
	"github.com/rs/zerolog"
)

// Handler is invoked once per accepted user stream. Implementations read
// from stream (data the user sent) and write back via stream; stream.Close
// is safe to call more than once, and is called automatically once Handler
// returns even if it never called it itself, so a Close frame is always
// eventually enqueued.
type Handler func(uid uint32, details wire.ConnectionDetails, stream *tunnel.Stream)

// Client holds a control link open against a Server, reconnecting with
// backoff on failure, and dispatches every accepted user stream to Handler.
type Client struct {
	Logger zerolog.Logger

	serverAddr      string
	externalPort    uint16
	protocolVersion uint16
	secret          []byte
	adminAddr       string
	metricsSecret   string
	maxPayload      uint64
	notifySocket    string

	handler   Handler
	metrics   *vmetrics.Sink
	sup       *Supervisor
	reloadLog func()

	notifiedReady bool
}

// NewClient configures a new Client from c and handler.
func NewClient(c *Config, handler Handler) (*Client, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cap, err := parseMaxBackoff(c)
	if err != nil {
		return nil, err
	}
	l, reload, err := configureLogging(c)
	if err != nil {
		return nil, fmt.Errorf("client: configure logging: %w", err)
	}
	if handler == nil {
		if c.LocalAddr == "" {
			return nil, fmt.Errorf("client: no handler given and TUNNEL_LOCAL_ADDR is unset")
		}
		handler = DialHandler(c.LocalAddr, l)
	}
	return &Client{
		Logger:          l,
		reloadLog:       reload,
		serverAddr:      c.ServerAddr,
		externalPort:    uint16(c.ExternalPort),
		protocolVersion: uint16(c.ProtocolVersion),
		secret:          []byte(c.Secret),
		adminAddr:       c.AdminAddr,
		metricsSecret:   c.MetricsSecret,
		maxPayload:      c.MaxFramePayload,
		notifySocket:    c.NotifySocket,
		handler:         handler,
		metrics:         vmetrics.NewSink("client", nil),
		sup:             NewSupervisorWithCap(cap),
	}, nil
}

// Run dials, handshakes, and runs the control link, reconnecting with
// backoff on failure, until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	defer c.sdnotify("STOPPING=1")

	if c.adminAddr != "" {
		srv := &http.Server{
			Addr: c.adminAddr,
			Handler: admin.Handler(admin.Options{
				Secret:  c.metricsSecret,
				Sources: []admin.MetricsWriter{c.metrics},
				Logger:  c.Logger,
			}),
		}
		go srv.ListenAndServe()
		defer srv.Close()
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.runOnce(ctx); err != nil {
			c.Logger.Warn().Err(err).Msg("control link failed")
		} else {
			c.sup.Reset()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.sup.NextDelay()
		c.Logger.Info().Dur("delay", delay).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce dials the server, completes the handshake, and runs the link
// until it dies, returning the error that ended it.
func (c *Client) runOnce(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.serverAddr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if err := handshake.Client(conn, c.secret, c.externalPort, c.protocolVersion); err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	c.Logger.Info().Str("server", c.serverAddr).Uint16("port", c.externalPort).Msg("control link established")

	if !c.notifiedReady {
		c.sdnotify("READY=1")
		c.notifiedReady = true
	}

	link := tunnel.NewLink(conn, tunnel.NewStreamTable(), tunnel.Options{
		Metrics:      c.metrics,
		Logger:       c.Logger,
		MaxPayload:   c.maxPayload,
		OnConnect:    c.handleConnect,
		DisableNagle: true,
	})
	return link.Run()
}

func (c *Client) handleConnect(uid uint32, details wire.ConnectionDetails, stream *tunnel.Stream) {
	defer stream.Close()
	c.handler(uid, details, stream)
}

func (c *Client) sdnotify(state string) (bool, error) {
	if c.notifySocket == "" {
		return false, nil
	}
	addr := &net.UnixAddr{Name: c.notifySocket, Net: "unixgram"}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}
