// Package server composes the Nimbus server: configuration, logging,
// metrics, the access authority client, the session manager and the
// health endpoints, plus the periodic cleanup job.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusvpn/nimbus/internal/access"
	"github.com/nimbusvpn/nimbus/internal/analytics"
	"github.com/nimbusvpn/nimbus/internal/config"
	"github.com/nimbusvpn/nimbus/internal/health"
	"github.com/nimbusvpn/nimbus/internal/logging"
	"github.com/nimbusvpn/nimbus/internal/metrics"
	"github.com/nimbusvpn/nimbus/internal/recovery"
	"github.com/nimbusvpn/nimbus/internal/session"
	"github.com/nimbusvpn/nimbus/internal/udpproxy"
)

// Server ties the subsystems together for the lifetime of the process.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	manager    *session.Manager
	sharedPool *udpproxy.Pool
	health     *health.Server

	running atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New builds a server from configuration.
func New(cfg *config.Config) (*Server, error) {
	logger := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	m := metrics.Default()

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		stopCh:  make(chan struct{}),
	}

	// The authority client reads the API key per request so secret
	// rotation takes effect immediately.
	var mgr *session.Manager
	client := access.NewHTTPClient(cfg.Access.URL, cfg.Access.Timeout, func() string {
		if mgr == nil {
			return ""
		}
		return mgr.APIKey()
	})

	var tracker analytics.Tracker
	if cfg.Analytics.Enabled {
		tracker = analytics.NewHTTPTracker(cfg.Analytics.Endpoint, cfg.Analytics.Timeout, logger)
	}

	udpCfg := udpproxy.Config{
		Timeout:        cfg.Udp.Timeout,
		WorkerMaxCount: cfg.Udp.WorkerMaxCount,
		BufferSize:     cfg.Udp.BufferSize,
	}

	opts := session.Options{
		ServerVersion:     cfg.Server.Version,
		SessionTimeout:    cfg.Session.Timeout,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		Udp:               udpCfg,
	}

	if cfg.Udp.PoolMode == config.PoolModeShared {
		s.sharedPool = udpproxy.NewPool(udpCfg, udpproxy.NetSocketFactory{},
			sharedReceiver{s}, nil, logger, m)
		opts.SharedPool = s.sharedPool
	}

	mgr = session.NewManager(opts, client, tracker, m, logger)
	s.manager = mgr

	if cfg.Server.Secret != "" {
		secret, err := cfg.DecodeSecret()
		if err != nil {
			return nil, err
		}
		if err := mgr.SetServerSecret(secret); err != nil {
			return nil, fmt.Errorf("derive api key: %w", err)
		}
	}

	if cfg.Health.Enabled {
		s.health = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, s)
	}

	return s, nil
}

// sharedReceiver routes inbound datagrams from the shared pool to the
// session authorized for the client source address.
type sharedReceiver struct {
	s *Server
}

func (r sharedReceiver) OnPacketReceived(local, remote, clientSource netip.AddrPort, payload []byte) {
	sess := r.s.manager.FindByClientIP(clientSource.Addr())
	if sess == nil {
		return
	}
	sess.OnPacketReceived(local, remote, clientSource, payload)
}

// Manager returns the session manager.
func (s *Server) Manager() *session.Manager {
	return s.manager
}

// Start launches the cleanup job and the health endpoints.
func (s *Server) Start() error {
	if s.running.Swap(true) {
		return nil
	}

	if s.health != nil {
		if err := s.health.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		s.logger.Info("health server listening", logging.KeyLocalAddr, s.health.Address().String())
	}

	s.wg.Add(1)
	go s.jobLoop()

	s.logger.Info("server started",
		"version", s.cfg.Server.Version,
		"pool_mode", s.cfg.Udp.PoolMode)
	return nil
}

// jobLoop drives the manager's periodic job on the cleanup cadence.
func (s *Server) jobLoop() {
	defer s.wg.Done()
	defer recovery.WithLog(s.logger, "job-loop")

	ticker := time.NewTicker(s.cfg.Session.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Session.CleanupInterval)
			s.manager.RunJob(ctx)
			cancel()
		}
	}
}

// Stop shuts the server down: job loop, health endpoints, sessions,
// shared pool. Idempotent.
func (s *Server) Stop() {
	s.stopped.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		s.wg.Wait()

		if s.health != nil {
			s.health.Stop()
		}

		s.manager.Dispose()
		if s.sharedPool != nil {
			s.sharedPool.Dispose()
		}

		s.logger.Info("server stopped")
	})
}

// IsRunning implements health.StatsProvider.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Stats implements health.StatsProvider.
func (s *Server) Stats() health.Stats {
	return health.Stats{
		SessionCount:  s.manager.SessionCount(),
		UdpWorkers:    s.manager.UdpWorkerCount(),
		PoolMode:      s.cfg.Udp.PoolMode,
		ServerVersion: s.cfg.Server.Version,
	}
}
