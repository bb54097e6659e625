package session

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nimbusvpn/nimbus/internal/access"
	"github.com/nimbusvpn/nimbus/internal/logging"
	"github.com/nimbusvpn/nimbus/internal/packet"
	"github.com/nimbusvpn/nimbus/internal/udpproxy"
)

// TunnelWriter pushes packets into the client tunnel. The transport
// layer injects an implementation once the tunnel is attached.
type TunnelWriter interface {
	WritePacket(p []byte) error
}

// Session is one authorized client context. The manager treats it as
// opaque beyond credentials, response, activity clock and disposal; the
// session encapsulates its own UDP data-plane state.
type Session struct {
	id       uint64
	key      []byte
	proto    int
	clientIP netip.Addr
	access   access.Client
	logger   *slog.Logger

	mu           sync.Mutex
	response     access.SessionResponseEx
	lastActivity time.Time
	tunnel       TunnelWriter

	sentBytes     atomic.Int64
	receivedBytes atomic.Int64
	totalSent     atomic.Int64
	totalReceived atomic.Int64

	udp      *udpproxy.Pool
	ownsPool bool

	closing     atomic.Bool
	disposed    atomic.Bool
	disposeOnce sync.Once
}

func newSession(resp *access.SessionResponseEx, proto int, clientIP netip.Addr, client access.Client, logger *slog.Logger) *Session {
	return &Session{
		id:           resp.SessionID,
		key:          append([]byte{}, resp.SessionKey...),
		proto:        proto,
		clientIP:     clientIP,
		access:       client,
		logger:       logger.With(slog.Uint64(logging.KeySessionID, resp.SessionID)),
		response:     *resp,
		lastActivity: time.Now(),
	}
}

// attachPool wires the session's UDP proxy pool. ownsPool marks a
// per-session pool that is disposed with the session; a shared pool
// outlives it.
func (s *Session) attachPool(pool *udpproxy.Pool, ownsPool bool) {
	s.udp = pool
	s.ownsPool = ownsPool
}

// ID returns the session id.
func (s *Session) ID() uint64 {
	return s.id
}

// Key returns the authority-issued session key.
func (s *Session) Key() []byte {
	return s.key
}

// ProtocolVersion returns the client protocol version from the
// authority's extra data.
func (s *Session) ProtocolVersion() int {
	return s.proto
}

// ClientIP returns the client address the session was authorized for.
func (s *Session) ClientIP() netip.Addr {
	return s.clientIP
}

// Response returns a snapshot of the current session response.
func (s *Session) Response() access.SessionResponseEx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response
}

// SetResponse mirrors an authority response onto the session.
func (s *Session) SetResponse(resp access.SessionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response.SessionResponse = resp
}

// LastActivity returns the session's last-activity clock.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch refreshes the last-activity clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IsDisposed reports whether the session has been torn down.
func (s *Session) IsDisposed() bool {
	return s.disposed.Load()
}

// SetTunnelWriter attaches the client tunnel for inbound packets.
func (s *Session) SetTunnelWriter(w TunnelWriter) {
	s.mu.Lock()
	s.tunnel = w
	s.mu.Unlock()
}

// UdpPool returns the session's proxy pool.
func (s *Session) UdpPool() *udpproxy.Pool {
	return s.udp
}

// AddUsage accounts traffic carried for the session.
func (s *Session) AddUsage(sent, received int64) {
	s.sentBytes.Add(sent)
	s.receivedBytes.Add(received)
	s.totalSent.Add(sent)
	s.totalReceived.Add(received)
	s.Touch()
}

// PendingUsage returns the unreported usage counters.
func (s *Session) PendingUsage() access.Usage {
	return access.Usage{
		SentBytes:     s.sentBytes.Load(),
		ReceivedBytes: s.receivedBytes.Load(),
	}
}

// SendUdpPacket forwards a client UDP payload to dest through the
// session's proxy pool.
func (s *Session) SendUdpPacket(source, dest netip.AddrPort, payload []byte, noFragment bool) error {
	if err := s.udp.SendPacket(source, dest, payload, noFragment); err != nil {
		return err
	}
	s.AddUsage(int64(len(payload)), 0)
	return nil
}

// OnPacketReceived implements udpproxy.PacketReceiver: an inbound
// datagram is wrapped in an IPv4/UDP packet addressed remote ->
// clientSource and pushed into the client tunnel.
func (s *Session) OnPacketReceived(local, remote, clientSource netip.AddrPort, payload []byte) {
	s.AddUsage(0, int64(len(payload)))

	s.mu.Lock()
	tunnel := s.tunnel
	s.mu.Unlock()
	if tunnel == nil {
		return
	}

	p, err := packet.BuildUDPDatagram(remote, clientSource, payload, false)
	if err != nil {
		s.logger.Debug("failed to wrap inbound datagram",
			logging.KeyRemoteAddr, remote.String(),
			logging.KeyError, err)
		return
	}

	if err := tunnel.WritePacket(p); err != nil {
		s.logger.Debug("tunnel write failed", logging.KeyError, err)
	}
}

// Sync reports pending usage to the authority and mirrors its answer.
// A non-Ok answer closes the session. Idempotent; with nothing to
// report it still confirms the session with the authority.
func (s *Session) Sync(ctx context.Context) error {
	if s.IsDisposed() {
		return nil
	}

	sent := s.sentBytes.Swap(0)
	received := s.receivedBytes.Swap(0)

	resp, err := s.access.SessionAddUsage(ctx, s.id, access.Usage{
		SentBytes:     sent,
		ReceivedBytes: received,
	}, false)
	if err != nil {
		// Usage not delivered; put it back for the next sync.
		s.sentBytes.Add(sent)
		s.receivedBytes.Add(received)
		return err
	}

	s.SetResponse(*resp)
	if resp.ErrorCode != access.CodeOk {
		s.logger.Info("session closed by authority",
			"code", resp.ErrorCode.String())
		s.Dispose()
	}
	return nil
}

// Close flushes usage with a closing report, then tears the session
// down. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	if s.IsDisposed() || !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	sent := s.sentBytes.Swap(0)
	received := s.receivedBytes.Swap(0)

	resp, err := s.access.SessionAddUsage(ctx, s.id, access.Usage{
		SentBytes:     sent,
		ReceivedBytes: received,
	}, true)
	if err != nil {
		s.logger.Warn("closing usage report failed", logging.KeyError, err)
	} else {
		s.SetResponse(*resp)
	}

	s.mu.Lock()
	if s.response.ErrorCode == access.CodeOk {
		s.response.ErrorCode = access.CodeSessionClosed
		s.response.ErrorMessage = "Session closed."
	}
	s.mu.Unlock()

	s.Dispose()
	return nil
}

// Dispose unconditionally releases the session's data-plane resources.
// Idempotent.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.disposed.Store(true)

		if s.ownsPool && s.udp != nil {
			s.udp.Dispose()
		}

		s.logger.Info("session disposed",
			"sent", humanize.Bytes(uint64(s.totalSent.Load())),
			"received", humanize.Bytes(uint64(s.totalReceived.Load())))
	})
}
