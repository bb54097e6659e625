// Package session owns the set of live VPN sessions: creation through
// the access authority, key-authenticated lookup, recovery of sessions
// lost from memory, periodic cleanup and disposal.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nimbusvpn/nimbus/internal/access"
	"github.com/nimbusvpn/nimbus/internal/analytics"
	"github.com/nimbusvpn/nimbus/internal/logging"
	"github.com/nimbusvpn/nimbus/internal/metrics"
	"github.com/nimbusvpn/nimbus/internal/recovery"
	"github.com/nimbusvpn/nimbus/internal/udpproxy"
)

// ErrManagerDisposed rejects operations on a disposed manager.
var ErrManagerDisposed = errors.New("session manager disposed")

// collisionMessage is set on a session whose id is already present in
// the collection. This must not occur; the path exists defensively.
const collisionMessage = "Could not add session to collection."

// Options tunes the manager.
type Options struct {
	// ServerVersion is the 3-part server version reported in
	// analytics events.
	ServerVersion string

	// SessionTimeout removes sessions idle past it. Default 1 h.
	SessionTimeout time.Duration

	// HeartbeatInterval debounces the heartbeat event. Default 10 min.
	HeartbeatInterval time.Duration

	// Udp configures per-session proxy pools.
	Udp udpproxy.Config

	// SocketFactory creates proxy sockets. Defaults to real sockets.
	SocketFactory udpproxy.SocketFactory

	// SharedPool, when set, is used by every session instead of a
	// per-session pool and is not disposed with sessions.
	SharedPool *udpproxy.Pool
}

// Manager is the process-wide session registry.
type Manager struct {
	opts    Options
	access  access.Client
	tracker analytics.Tracker
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[uint64]*Session

	secretMu sync.RWMutex
	secret   []byte
	apiKey   string

	recoverGroup singleflight.Group

	heartbeatMu   sync.Mutex
	lastHeartbeat time.Time

	disposed    atomic.Bool
	disposeOnce sync.Once
	disposeDone chan struct{}
}

// NewManager creates a session manager. tracker may be nil to disable
// analytics.
func NewManager(opts Options, client access.Client, tracker analytics.Tracker,
	m *metrics.Metrics, logger *slog.Logger) *Manager {

	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = time.Hour
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Minute
	}
	if opts.SocketFactory == nil {
		opts.SocketFactory = udpproxy.NetSocketFactory{}
	}
	if m == nil {
		m = metrics.Default()
	}

	return &Manager{
		opts:        opts,
		access:      client,
		tracker:     tracker,
		metrics:     m,
		logger:      logger.With(slog.String(logging.KeyComponent, "sessions")),
		sessions:    make(map[uint64]*Session),
		disposeDone: make(chan struct{}),
	}
}

// SetServerSecret stores the secret and recomputes the derived API key
// atomically.
func (m *Manager) SetServerSecret(secret []byte) error {
	apiKey, err := access.DeriveAPIKey(secret)
	if err != nil {
		return err
	}

	m.secretMu.Lock()
	m.secret = append([]byte{}, secret...)
	m.apiKey = apiKey
	m.secretMu.Unlock()
	return nil
}

// APIKey returns the key derived from the current server secret.
func (m *Manager) APIKey() string {
	m.secretMu.RLock()
	defer m.secretMu.RUnlock()
	return m.apiKey
}

// CreateSession authorizes a new session with the access authority and
// installs it. An authority AccessError surfaces as a generic
// Unauthorized failure; other non-Ok codes surface as a ServerSession
// error carrying the response. The returned response is the
// authority's, unmodified.
func (m *Manager) CreateSession(ctx context.Context, req *access.SessionRequestEx) (*access.SessionResponseEx, error) {
	if m.disposed.Load() {
		return nil, ErrManagerDisposed
	}

	start := time.Now()
	resp, err := m.access.SessionCreate(ctx, req)
	m.metrics.AuthorityLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		m.metrics.AuthorityErrors.WithLabelValues("session_create").Inc()
		return nil, fmt.Errorf("create session: %w", err)
	}

	if resp.ErrorCode == access.CodeAccessError {
		// The authority's reason stays server-side.
		m.logger.Info("session create denied",
			logging.KeyTokenID, req.TokenID,
			"reason", resp.ErrorMessage)
		m.metrics.SessionAuthErrors.Inc()
		return nil, ErrUnauthorized
	}
	if resp.ErrorCode != access.CodeOk {
		return nil, &ServerSessionError{Response: resp, RequestID: req.TokenID}
	}

	if _, err := m.createSessionInternal(resp, req.TokenID, req.ClientIP); err != nil {
		return nil, err
	}

	m.metrics.SessionsCreated.Inc()
	m.logger.Info("session created",
		logging.KeySessionID, resp.SessionID,
		logging.KeyClientIP, req.ClientIP.String())

	m.trackNewSession(req.ClientInfo.ClientVersion)

	return resp, nil
}

// createSessionInternal materializes a session from an authority
// response and inserts it under its id. An id collision is defensive
// territory: the fresh session is marked failed, disposed, and a
// ServerSession error raised.
func (m *Manager) createSessionInternal(resp *access.SessionResponseEx, requestID string, clientIP netip.Addr) (*Session, error) {
	extra, err := access.ParseExtraData(resp.ExtraData)
	if err != nil {
		m.logger.Warn("unparseable session extra data",
			logging.KeySessionID, resp.SessionID,
			logging.KeyError, err)
	}

	s := newSession(resp, extra.ProtocolVersion, clientIP, m.access, m.logger)

	if m.opts.SharedPool != nil {
		s.attachPool(m.opts.SharedPool, false)
	} else {
		pool := udpproxy.NewPool(m.opts.Udp, m.opts.SocketFactory, s,
			m.endpointListener(resp.SessionID), m.logger, m.metrics)
		s.attachPool(pool, true)
	}

	m.mu.Lock()
	if m.disposed.Load() {
		m.mu.Unlock()
		s.Dispose()
		return nil, ErrManagerDisposed
	}
	if _, exists := m.sessions[s.ID()]; exists {
		m.mu.Unlock()
		failed := access.SessionResponse{
			ErrorCode:    access.CodeSessionError,
			ErrorMessage: collisionMessage,
		}
		s.SetResponse(failed)
		s.Dispose()

		respCopy := *resp
		respCopy.SessionResponse = failed
		return nil, &ServerSessionError{Response: &respCopy, RequestID: requestID}
	}
	m.sessions[s.ID()] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SessionsActive.Set(float64(count))
	return s, nil
}

// endpointListener logs new endpoint pairs discovered by a session's
// proxy pool.
func (m *Manager) endpointListener(sessionID uint64) udpproxy.EndpointListener {
	return udpproxy.EndpointListenerFunc(func(e udpproxy.EndpointEvent) {
		m.logger.Debug("new endpoint",
			logging.KeySessionID, sessionID,
			"protocol", e.Protocol,
			logging.KeyLocalAddr, e.Local.String(),
			logging.KeyRemoteAddr, e.Remote.String(),
			"new_local", e.IsNewLocal,
			"new_remote", e.IsNewRemote)
	})
}

// trackNewSession emits the page_view analytics event. Fire-and-forget:
// emission runs detached and failures are discarded.
func (m *Manager) trackNewSession(clientVersion string) {
	if m.tracker == nil {
		return
	}

	page := "server_version/" + m.opts.ServerVersion
	event := analytics.Event{
		Name: analytics.EventPageView,
		Properties: map[string]any{
			"client_version": clientVersion,
			"server_version": m.opts.ServerVersion,
			"page_title":     page,
			"page_location":  page,
		},
	}

	recovery.Go(m.logger, "track-new-session", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.tracker.Track(ctx, event)
	})
}

func (m *Manager) lookup(id uint64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// GetSession resolves a request's session by id, recovering it from
// the authority when absent from memory. The presented key is compared
// in constant time; a mismatch never mutates the session map.
func (m *Manager) GetSession(ctx context.Context, id uint64, key []byte, hostEndpoint netip.AddrPort, clientIP netip.Addr) (*Session, error) {
	if m.disposed.Load() {
		return nil, ErrManagerDisposed
	}

	s := m.lookup(id)
	if s == nil {
		var err error
		s, err = m.recoverSession(ctx, id, key, hostEndpoint, clientIP)
		if err != nil {
			return nil, err
		}
	}

	if subtle.ConstantTimeCompare(s.Key(), key) != 1 {
		m.metrics.SessionAuthErrors.Inc()
		return nil, ErrUnauthorized
	}

	resp := s.Response()
	if resp.ErrorCode != access.CodeOk {
		return nil, &ServerSessionError{Response: &resp}
	}
	if s.IsDisposed() {
		// Cleanup releases a session from the map before disposing
		// it; a lookup landing in that window sees it here.
		resp.ErrorCode = access.CodeSessionClosed
		resp.ErrorMessage = "Session closed."
		return nil, &ServerSessionError{Response: &resp}
	}

	s.Touch()
	return s, nil
}

// recoverSession fetches a lost session from the authority. Recovery
// is coalesced per session id, so concurrent requests for the same id
// produce a single authority call. A failed recovery installs a dead,
// already-disposed session so repeated requests within the cleanup
// window do not hammer the authority.
func (m *Manager) recoverSession(ctx context.Context, id uint64, key []byte, hostEndpoint netip.AddrPort, clientIP netip.Addr) (*Session, error) {
	v, err, _ := m.recoverGroup.Do(strconv.FormatUint(id, 10), func() (any, error) {
		// Re-check under the coalescing lock: another caller may have
		// just installed it.
		if s := m.lookup(id); s != nil {
			return s, nil
		}

		start := time.Now()
		resp, err := m.access.SessionGet(ctx, id, hostEndpoint, clientIP)
		m.metrics.AuthorityLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			m.metrics.AuthorityErrors.WithLabelValues("session_get").Inc()
			m.cacheDeadSession(id, key, err.Error(), clientIP)
			return nil, fmt.Errorf("recover session: %w", err)
		}

		if subtle.ConstantTimeCompare(resp.SessionKey, key) != 1 {
			// Wrong key: reject without caching, so the legitimate
			// client is not locked out by a stranger's attempt.
			m.metrics.SessionAuthErrors.Inc()
			return nil, ErrUnauthorized
		}

		if resp.ErrorCode != access.CodeOk {
			// Authorized but unusable; cache the failure.
			if s, ierr := m.createSessionInternal(resp, "", clientIP); ierr == nil {
				s.Dispose()
			}
			return nil, &ServerSessionError{Response: resp}
		}

		s, err := m.createSessionInternal(resp, "", clientIP)
		if err != nil {
			return nil, err
		}

		m.metrics.SessionsRecovered.Inc()
		m.logger.Info("session recovered", logging.KeySessionID, id)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// cacheDeadSession installs a disposed placeholder carrying the
// failure, keyed to the requesting client.
func (m *Manager) cacheDeadSession(id uint64, key []byte, message string, clientIP netip.Addr) {
	dead := &access.SessionResponseEx{
		SessionResponse: access.SessionResponse{
			ErrorCode:    access.CodeSessionError,
			ErrorMessage: message,
		},
		SessionID:  id,
		SessionKey: append([]byte{}, key...),
	}
	if s, err := m.createSessionInternal(dead, "", clientIP); err == nil {
		s.Dispose()
	}
}

// CloseSession closes the session if present. Missing ids are not an
// error; repeating the call is a no-op.
func (m *Manager) CloseSession(ctx context.Context, id uint64) error {
	s := m.lookup(id)
	if s == nil {
		return nil
	}
	return s.Close(ctx)
}

// SyncSessions pushes every live session's usage to the authority
// concurrently. Per-session failures are logged and never abort the
// batch.
func (m *Manager) SyncSessions(ctx context.Context) {
	var g errgroup.Group
	for _, s := range m.snapshot() {
		s := s
		g.Go(func() error {
			if err := s.Sync(ctx); err != nil {
				m.logger.Warn("session sync failed",
					logging.KeySessionID, s.ID(),
					logging.KeyError, err)
			}
			return nil
		})
	}
	g.Wait()
}

// FindByClientIP returns a live session authorized for addr, or nil.
// The shared-pool inbound path uses it to route replies back to the
// owning session.
func (m *Manager) FindByClientIP(addr netip.Addr) *Session {
	for _, s := range m.snapshot() {
		if !s.IsDisposed() && s.ClientIP() == addr {
			return s
		}
	}
	return nil
}

// UdpWorkerCount returns the number of live proxy workers across the
// shared pool or all per-session pools.
func (m *Manager) UdpWorkerCount() int {
	if m.opts.SharedPool != nil {
		return m.opts.SharedPool.WorkerCount()
	}
	count := 0
	for _, s := range m.snapshot() {
		if pool := s.UdpPool(); pool != nil && !s.IsDisposed() {
			count += pool.WorkerCount()
		}
	}
	return count
}

// SessionCount returns the number of non-disposed sessions.
func (m *Manager) SessionCount() int {
	count := 0
	for _, s := range m.snapshot() {
		if !s.IsDisposed() {
			count++
		}
	}
	return count
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// RunJob is invoked by the job runner on the cleanup cadence. The
// heartbeat section debounces itself on its own interval, so the outer
// cadence can be much shorter.
func (m *Manager) RunJob(ctx context.Context) {
	m.heartbeat()
	m.cleanup(ctx)
}

// heartbeat emits one event per interval with the live session count.
func (m *Manager) heartbeat() {
	if m.tracker == nil {
		return
	}

	m.heartbeatMu.Lock()
	defer m.heartbeatMu.Unlock()

	if time.Since(m.lastHeartbeat) < m.opts.HeartbeatInterval {
		return
	}
	m.lastHeartbeat = time.Now()

	count := m.SessionCount()
	recovery.Go(m.logger, "heartbeat", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.tracker.Track(ctx, analytics.Event{
			Name:       analytics.EventHeartbeat,
			Properties: map[string]any{"session_count": count},
		})
	})
}

// cleanup closes sessions whose access window expired, then removes
// disposed and idle sessions from the map.
func (m *Manager) cleanup(ctx context.Context) {
	now := time.Now()

	// Close expired sessions: sync reports usage and lets the
	// authority verdict dispose them.
	for _, s := range m.snapshot() {
		if s.IsDisposed() {
			continue
		}
		resp := s.Response()
		if resp.AccessUsage.Expired(now) {
			if err := s.Sync(ctx); err != nil {
				m.logger.Warn("expired session sync failed",
					logging.KeySessionID, s.ID(),
					logging.KeyError, err)
			}
		}
	}

	// Remove timed-out sessions: release from the map first, dispose
	// after. A concurrent lookup in between observes a disposed
	// session and reports it closed.
	minActivity := now.Add(-m.opts.SessionTimeout)

	m.mu.Lock()
	var removed []*Session
	for id, s := range m.sessions {
		if s.IsDisposed() || s.LastActivity().Before(minActivity) {
			delete(m.sessions, id)
			removed = append(removed, s)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SessionsActive.Set(float64(count))

	for _, s := range removed {
		reason := "timeout"
		if s.IsDisposed() {
			reason = "disposed"
		}
		s.Dispose()
		m.metrics.SessionsClosed.WithLabelValues(reason).Inc()
		m.logger.Info("session removed",
			logging.KeySessionID, s.ID(),
			"reason", reason)
	}
}

// Dispose tears down every session in parallel and marks the manager
// disposed. Idempotent; a concurrent second caller joins the in-flight
// disposal and returns when it completes.
func (m *Manager) Dispose() {
	m.disposeOnce.Do(func() {
		m.disposed.Store(true)

		m.mu.Lock()
		sessions := m.sessions
		m.sessions = make(map[uint64]*Session)
		m.mu.Unlock()

		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				defer recovery.WithLog(m.logger, "dispose-session")
				s.Dispose()
			}(s)
		}
		wg.Wait()

		m.metrics.SessionsActive.Set(0)
		m.logger.Info("session manager disposed", logging.KeyCount, len(sessions))
		close(m.disposeDone)
	})
	<-m.disposeDone
}
