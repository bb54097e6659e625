// Package udpproxy multiplexes client UDP flows onto a bounded set of
// proxy sockets and routes inbound replies back to the originating
// client. A flow is a (client source endpoint, destination endpoint)
// pair.
package udpproxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/nimbusvpn/nimbus/internal/logging"
	"github.com/nimbusvpn/nimbus/internal/metrics"
	"github.com/nimbusvpn/nimbus/internal/ttlmap"
)

// Defaults applied by DefaultConfig.
const (
	DefaultTimeout        = 120 * time.Second
	DefaultRemoteTimeout  = 60 * time.Second
	DefaultWorkerMaxCount = 32
	DefaultBufferSize     = 65536
)

// ErrDisposed is returned by operations on a disposed pool.
var ErrDisposed = errors.New("udp proxy pool disposed")

// ClientQuotaError reports that worker allocation hit the quota. The
// caller is responsible for shedding load.
type ClientQuotaError struct {
	WorkerCount int
}

func (e *ClientQuotaError) Error() string {
	return fmt.Sprintf("udp client quota exceeded (%d workers)", e.WorkerCount)
}

// FlowKey identifies one client flow.
type FlowKey struct {
	Source      netip.AddrPort
	Destination netip.AddrPort
}

// EndpointEvent announces a (local, remote) endpoint pair seen for the
// first time on the allocation path.
type EndpointEvent struct {
	Protocol    string
	Local       netip.AddrPort
	Remote      netip.AddrPort
	IsNewLocal  bool
	IsNewRemote bool
}

// EndpointListener observes new endpoint pairs. Events are delivered
// synchronously from SendPacket; listeners must not call back into the
// pool.
type EndpointListener interface {
	OnNewEndpoint(event EndpointEvent)
}

// EndpointListenerFunc adapts a function to EndpointListener.
type EndpointListenerFunc func(EndpointEvent)

// OnNewEndpoint implements EndpointListener.
func (f EndpointListenerFunc) OnNewEndpoint(event EndpointEvent) { f(event) }

// Config holds pool tuning parameters.
type Config struct {
	// Timeout is the idle timeout for workers, flow entries and the
	// watchdog interval.
	Timeout time.Duration

	// WorkerMaxCount bounds concurrent workers. Allocation beyond the
	// bound fails with ClientQuotaError.
	WorkerMaxCount int

	// BufferSize is the worker read buffer size.
	BufferSize int
}

// DefaultConfig returns a Config with the standard timeouts.
func DefaultConfig() Config {
	return Config{
		Timeout:        DefaultTimeout,
		WorkerMaxCount: DefaultWorkerMaxCount,
		BufferSize:     DefaultBufferSize,
	}
}

// Pool maps client flows onto workers. Within one pool a destination
// endpoint lives in at most one worker's destination map at a time.
type Pool struct {
	factory  SocketFactory
	receiver PacketReceiver
	listener EndpointListener
	logger   *slog.Logger
	metrics  *metrics.Metrics

	flows   *ttlmap.Map[FlowKey, *Worker]
	remotes *ttlmap.Set[netip.AddrPort]

	mu          sync.Mutex
	workers     []*Worker
	timeout     time.Duration
	workerMax   int
	bufSize     int
	lastWatch   time.Time
	disposed    bool
	disposeOnce sync.Once
}

// NewPool creates a pool. listener may be nil. The remote-endpoint set
// starts with its own 60 s default until SetTimeout overrides it.
func NewPool(cfg Config, factory SocketFactory, receiver PacketReceiver,
	listener EndpointListener, logger *slog.Logger, m *metrics.Metrics) *Pool {

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.WorkerMaxCount <= 0 {
		cfg.WorkerMaxCount = DefaultWorkerMaxCount
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if m == nil {
		m = metrics.Default()
	}

	return &Pool{
		factory:   factory,
		receiver:  receiver,
		listener:  listener,
		logger:    logger.With(slog.String(logging.KeyComponent, "udpproxy")),
		metrics:   m,
		flows:     ttlmap.NewMap[FlowKey, *Worker](cfg.Timeout),
		remotes:   ttlmap.NewSet[netip.AddrPort](DefaultRemoteTimeout),
		timeout:   cfg.Timeout,
		workerMax: cfg.WorkerMaxCount,
		bufSize:   cfg.BufferSize,
		lastWatch: time.Now(),
	}
}

// SetTimeout changes the idle timeout. The flow map, the remote set and
// the watchdog interval all observe the new value before SetTimeout
// returns.
func (p *Pool) SetTimeout(timeout time.Duration) {
	p.flows.SetTimeout(timeout)
	p.remotes.SetTimeout(timeout)

	p.mu.Lock()
	p.timeout = timeout
	p.mu.Unlock()
}

// Timeout returns the current idle timeout.
func (p *Pool) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// WorkerCount returns the number of live workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// SendPacket forwards one client datagram to dest. The flow is bound to
// a worker on first use: the first existing worker of the right family
// not already holding dest, or a fresh worker while the quota allows.
// A nil payload is sent as an empty datagram.
func (p *Pool) SendPacket(source, dest netip.AddrPort, payload []byte, noFragment bool) error {
	p.watchIfDue()

	key := FlowKey{Source: source, Destination: dest}
	worker, _, err := p.flows.GetOrAdd(key, func() (*Worker, error) {
		return p.allocate(source, dest)
	})
	if err != nil {
		return err
	}

	if payload == nil {
		payload = []byte{}
	}
	return worker.SendTo(payload, dest, noFragment)
}

// allocate binds a flow to a worker under the pool lock. The endpoint
// event fires after the lock is released.
func (p *Pool) allocate(source, dest netip.AddrPort) (*Worker, error) {
	family := familyOf(dest)

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, ErrDisposed
	}

	var worker *Worker
	for _, w := range p.workers {
		if w.Family() == family && !w.HasDestination(dest) {
			worker = w
			break
		}
	}

	isNewLocal := false
	if worker == nil {
		if len(p.workers) >= p.workerMax {
			count := len(p.workers)
			p.mu.Unlock()
			p.metrics.UdpQuotaRejects.Inc()
			return nil, &ClientQuotaError{WorkerCount: count}
		}

		w, err := newWorker(family, p.factory, p.timeout, p.receiver, p.logger, p.metrics, p.bufSize)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("create udp worker: %w", err)
		}
		p.workers = append(p.workers, w)
		p.metrics.UdpWorkersCreated.Inc()
		p.metrics.UdpWorkersActive.Set(float64(len(p.workers)))
		worker = w
		isNewLocal = true
	}

	worker.AddDestination(dest, source)
	p.mu.Unlock()

	isNewRemote := p.remotes.Add(dest)

	p.logger.Debug("flow bound to worker",
		logging.KeyLocalAddr, worker.LocalEndpoint().String(),
		logging.KeyRemoteAddr, dest.String(),
		"new_local", isNewLocal,
		"new_remote", isNewRemote)

	if p.listener != nil {
		p.listener.OnNewEndpoint(EndpointEvent{
			Protocol:    "udp",
			Local:       worker.LocalEndpoint(),
			Remote:      dest,
			IsNewLocal:  isNewLocal,
			IsNewRemote: isNewRemote,
		})
	}

	return worker, nil
}

// watchIfDue runs the watchdog when a full timeout interval has passed
// since the last sweep.
func (p *Pool) watchIfDue() {
	p.mu.Lock()
	due := time.Since(p.lastWatch) >= p.timeout
	if due {
		p.lastWatch = time.Now()
	}
	p.mu.Unlock()

	if due {
		p.DoWatch()
	}
}

// DoWatch drops workers idle past the timeout. Removal happens under
// the pool lock; disposal happens after it is released so socket
// teardown never blocks the hot path.
func (p *Pool) DoWatch() {
	now := time.Now()

	p.mu.Lock()
	var kept, dropped []*Worker
	for _, w := range p.workers {
		if now.Sub(w.LastActivity()) > p.timeout {
			dropped = append(dropped, w)
		} else {
			kept = append(kept, w)
		}
	}
	p.workers = kept
	p.metrics.UdpWorkersActive.Set(float64(len(kept)))
	p.mu.Unlock()

	if len(dropped) == 0 {
		return
	}

	isDropped := make(map[*Worker]bool, len(dropped))
	for _, w := range dropped {
		isDropped[w] = true
	}
	for key, w := range p.flows.Items() {
		if isDropped[w] {
			p.flows.Delete(key)
		}
	}

	for _, w := range dropped {
		w.Dispose()
		p.logger.Debug("idle worker disposed",
			logging.KeyLocalAddr, w.LocalEndpoint().String())
	}
}

// Dispose releases every worker and the pool's maps. Idempotent; a
// second call is a no-op joining the first.
func (p *Pool) Dispose() {
	p.disposeOnce.Do(func() {
		p.mu.Lock()
		p.disposed = true
		workers := p.workers
		p.workers = nil
		p.metrics.UdpWorkersActive.Set(0)
		p.mu.Unlock()

		for _, w := range workers {
			w.Dispose()
		}

		p.flows.Dispose()
		p.remotes.Dispose()
	})
}
