package udpproxy

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/nimbusvpn/nimbus/internal/logging"
	"github.com/nimbusvpn/nimbus/internal/metrics"
	"github.com/nimbusvpn/nimbus/internal/ttlmap"
)

// PacketReceiver is the upward callback for inbound datagrams. The
// owning session implements it by wrapping the datagram in an IP/UDP
// packet addressed remote -> clientSource and pushing it into the
// client tunnel.
type PacketReceiver interface {
	OnPacketReceived(local, remote, clientSource netip.AddrPort, payload []byte)
}

// Worker owns one proxy socket. The pool maps client flows onto workers
// so that each worker holds at most one entry per remote endpoint; a
// reply from that endpoint then uniquely identifies the client source
// without any per-packet scan.
type Worker struct {
	family string
	conn   PacketConn
	local  netip.AddrPort

	// dests maps remote endpoint -> client source endpoint.
	dests *ttlmap.Map[netip.AddrPort, netip.AddrPort]

	receiver PacketReceiver
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu           sync.Mutex
	lastActivity time.Time

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newWorker binds a socket for family and starts its read loop.
func newWorker(family string, factory SocketFactory, timeout time.Duration,
	receiver PacketReceiver, logger *slog.Logger, m *metrics.Metrics, bufSize int) (*Worker, error) {

	conn, err := factory.Listen(family)
	if err != nil {
		return nil, err
	}

	local := netip.AddrPort{}
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		local = udpAddr.AddrPort()
	}

	w := &Worker{
		family:       family,
		conn:         conn,
		local:        local,
		dests:        ttlmap.NewMap[netip.AddrPort, netip.AddrPort](timeout),
		receiver:     receiver,
		logger:       logger.With(slog.String(logging.KeyWorker, local.String())),
		metrics:      m,
		lastActivity: time.Now(),
		closed:       make(chan struct{}),
	}

	w.wg.Add(1)
	go w.readLoop(bufSize)

	return w, nil
}

// Family returns the worker's address family.
func (w *Worker) Family() string {
	return w.family
}

// LocalEndpoint returns the worker's bound local endpoint.
func (w *Worker) LocalEndpoint() netip.AddrPort {
	return w.local
}

// HasDestination reports whether the worker currently proxies remote.
func (w *Worker) HasDestination(remote netip.AddrPort) bool {
	_, ok := w.dests.Get(remote)
	return ok
}

// AddDestination records remote -> clientSource for the inbound demux.
func (w *Worker) AddDestination(remote, clientSource netip.AddrPort) {
	w.dests.Set(remote, clientSource)
}

// DestinationCount returns the number of live destinations.
func (w *Worker) DestinationCount() int {
	return w.dests.Len()
}

// LastActivity returns when the worker last carried a datagram.
func (w *Worker) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

// SendTo forwards payload to remote. The noFragment hint is best
// effort; sockets from NetSocketFactory leave fragmentation to the OS.
func (w *Worker) SendTo(payload []byte, remote netip.AddrPort, noFragment bool) error {
	w.touch()

	n, err := w.conn.WriteToUDPAddrPort(payload, remote)
	if err != nil {
		// Socket errors do not poison the worker; the next send may
		// succeed unless the socket itself is closed.
		w.logger.Debug("udp send failed",
			logging.KeyRemoteAddr, remote.String(),
			logging.KeyError, err)
		return err
	}

	w.metrics.UdpDatagramsSent.Inc()
	w.metrics.UdpBytesSent.Add(float64(n))
	return nil
}

// readLoop reads inbound datagrams and hands known remotes upward.
// Datagrams from remotes absent from the destination map are dropped
// silently.
func (w *Worker) readLoop(bufSize int) {
	defer w.wg.Done()

	buf := make([]byte, bufSize)
	for {
		select {
		case <-w.closed:
			return
		default:
		}

		// Deadline keeps the loop responsive to Dispose.
		w.conn.SetReadDeadline(time.Now().Add(time.Second))

		n, remote, err := w.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-w.closed:
				return
			default:
			}
			continue
		}

		clientSource, ok := w.dests.Get(remote)
		if !ok {
			continue
		}

		w.touch()
		w.metrics.UdpDatagramsRecv.Inc()
		w.metrics.UdpBytesRecv.Add(float64(n))

		payload := make([]byte, n)
		copy(payload, buf[:n])
		w.receiver.OnPacketReceived(w.local, remote, clientSource, payload)
	}
}

// Dispose closes the socket and stops the read loop. Idempotent.
func (w *Worker) Dispose() {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.conn.Close()
		w.dests.Dispose()
	})
	w.wg.Wait()
}
