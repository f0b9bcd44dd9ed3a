package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pg9182/tunneld/pkg/admin"
	"github.com/pg9182/tunneld/pkg/cloudflare"
	"github.com/pg9182/tunneld/pkg/geoinfo"
	"github.com/pg9182/tunneld/pkg/handshake"
	"github.com/pg9182/tunneld/pkg/tunnel"
	"github.com/pg9182/tunneld/pkg/vmetrics"
	"github.com/rs/zerolog"
)

// portEntry is one negotiated external port's forwarder state: the pool of
// Clients willing to serve it and the listener accepting users for it.
type portEntry struct {
	pool     *ClientPool
	listener net.Listener
}

// Server is the rendezvous side of the tunnel: it accepts Client control
// connections, runs the handshake against each, then routes the link into
// the ClientPool for whichever external port it negotiated, creating that
// port's Forwarder and listener the first time a Client asks for it.
type Server struct {
	Logger zerolog.Logger

	secret       []byte
	policy       PortPolicy
	resolver     *geoinfo.Resolver
	metrics      *vmetrics.Sink
	notifySocket string

	listenAddr    string
	adminAddr     string
	metricsSecret string
	cloudflare    bool

	userQueueSize int
	maxPayload    uint64

	reloadLog func()

	mu       sync.Mutex
	listener net.Listener

	closed  atomic.Bool
	portsMu sync.Mutex
	ports   map[uint16]*portEntry
}

// NewServer configures a new Server from c, which is assumed to already be
// populated with default or operator-supplied values (as done by
// Config.UnmarshalEnv) and validated (Config.Validate).
func NewServer(c *Config) (*Server, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	policy, err := c.buildPortPolicy()
	if err != nil {
		return nil, err
	}

	var resolver *geoinfo.Resolver
	if c.IP2Location != "" {
		resolver = geoinfo.NewResolver()
		if err := resolver.Load(c.IP2Location); err != nil {
			return nil, fmt.Errorf("server: load ip2location database: %w", err)
		}
	}

	l, reload, err := configureLogging(c)
	if err != nil {
		return nil, fmt.Errorf("server: configure logging: %w", err)
	}

	s := &Server{
		Logger:        l,
		reloadLog:     reload,
		secret:        []byte(c.Secret),
		policy:        policy,
		resolver:      resolver,
		metrics:       vmetrics.NewSink("server", resolver),
		notifySocket:  c.NotifySocket,
		listenAddr:    c.ListenAddr,
		adminAddr:     c.AdminAddr,
		metricsSecret: c.MetricsSecret,
		cloudflare:    c.Cloudflare,
		userQueueSize: c.UserQueueSize,
		maxPayload:    c.MaxFramePayload,
		ports:         make(map[uint16]*portEntry),
	}
	return s, nil
}

// Run accepts control connections and forwards user connections until ctx is
// canceled, then shuts down and returns. It must only be called once.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.listener = ln

	errCh := make(chan error, 2)
	go func() { errCh <- s.acceptControl(ln) }()

	var adminSrv *http.Server
	if s.adminAddr != "" {
		adminSrv = &http.Server{
			Addr: s.adminAddr,
			Handler: admin.Handler(admin.Options{
				Secret:          s.metricsSecret,
				Sources:         []admin.MetricsWriter{s.metrics},
				TrustCloudflare: s.cloudflare,
				Logger:          s.Logger,
			}),
		}
		go func() { errCh <- adminSrv.ListenAndServe() }()
	}

	if s.cloudflare {
		go s.refreshCloudflareIPs(ctx)
	}

	s.Logger.Info().Str("control", s.listenAddr).Msg("server started")

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		s.sdnotify("READY=1")
	case err := <-errCh:
		s.Logger.Err(err).Msg("server failed to start")
		return err
	}

	select {
	case <-ctx.Done():
		s.closed.Store(true)

		s.sdnotify("STOPPING=1")
		s.Logger.Info().Msg("shutting down")

		ln.Close()
		s.closeAllPorts()
		if adminSrv != nil {
			adminSrv.Shutdown(ctx)
		}
		return nil
	case err := <-errCh:
		s.Logger.Err(err).Msg("server failed")
		return err
	}
}

// closeAllPorts tears down every port's listener and pool, e.g. during
// server shutdown so connected Clients see their control links drop instead
// of hanging until they time out.
func (s *Server) closeAllPorts() {
	s.portsMu.Lock()
	ports := s.ports
	s.ports = make(map[uint16]*portEntry)
	s.portsMu.Unlock()

	for _, pe := range ports {
		pe.listener.Close()
		pe.pool.CloseAll()
	}
}

// HandleSIGHUP reloads the IP2Location database in place. Geo enrichment
// degrades, but never blocks the data path, when reload fails.
func (s *Server) HandleSIGHUP() {
	s.sdnotify("RELOADING=1")
	defer s.sdnotify("READY=1")

	if s.reloadLog != nil {
		s.reloadLog()
	}
	if s.resolver != nil {
		if err := s.resolver.Load(""); err != nil {
			s.Logger.Err(err).Msg("failed to reload ip2location database")
		}
	}
}

// refreshCloudflareIPs keeps the Cloudflare prefix list used by the admin
// surface's RealIP middleware current until ctx is canceled.
func (s *Server) refreshCloudflareIPs(ctx context.Context) {
	const interval = time.Hour
	if err := cloudflare.UpdateIPs(ctx); err != nil {
		s.Logger.Warn().Err(err).Msg("failed to fetch cloudflare ip list")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := cloudflare.UpdateIPs(ctx); err != nil {
				s.Logger.Warn().Err(err).Msg("failed to refresh cloudflare ip list")
			}
		}
	}
}

func (s *Server) acceptControl(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleControl(conn)
	}
}

func (s *Server) handleControl(conn net.Conn) {
	log := s.Logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	result, err := handshake.Server(conn, s.secret, toAccepter(s.policy))
	if err != nil {
		log.Warn().Err(err).Msg("handshake failed")
		conn.Close()
		return
	}
	log.Info().Uint16("port", result.Port).Uint16("version", result.ProtocolVersion).Msg("client handshake complete")

	pool, err := s.portPool(result.Port)
	if err != nil {
		log.Err(err).Uint16("port", result.Port).Msg("failed to start forwarder for port")
		conn.Close()
		return
	}

	link := tunnel.NewLink(conn, tunnel.NewStreamTable(), tunnel.Options{
		Metrics:       s.metrics,
		Logger:        log,
		MaxPayload:    s.maxPayload,
		UserQueueSize: s.userQueueSize,
		DisableNagle:  true,
	})
	pool.Add(link)
	defer pool.Remove(link)

	if err := link.Run(); err != nil {
		log.Warn().Err(err).Msg("control link closed")
	}
}

// portPool returns the ClientPool for port, creating it (and the Forwarder
// and listener backing it) on the first Client to negotiate that port.
func (s *Server) portPool(port uint16) (*ClientPool, error) {
	s.portsMu.Lock()
	defer s.portsMu.Unlock()

	if pe, ok := s.ports[port]; ok {
		return pe.pool, nil
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("server: shutting down")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen user port %d: %w", port, err)
	}

	pool := NewClientPool()
	fwd := &Forwarder{
		Pool:     pool,
		Observer: s.metrics,
		Logger:   s.Logger.With().Str("component", "forwarder").Uint16("port", port).Logger(),
	}
	go func() {
		if err := fwd.Serve(ln); err != nil {
			s.Logger.Debug().Err(err).Uint16("port", port).Msg("forwarder stopped")
		}
	}()

	s.ports[port] = &portEntry{pool: pool, listener: ln}
	s.Logger.Info().Uint16("port", port).Msg("started forwarder for new port")
	return pool, nil
}

func (s *Server) sdnotify(state string) (bool, error) {
	if s.notifySocket == "" {
		return false, nil
	}
	addr := &net.UnixAddr{Name: s.notifySocket, Net: "unixgram"}
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
