package session

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/nimbusvpn/nimbus/internal/access"
	"github.com/nimbusvpn/nimbus/internal/logging"
	"github.com/nimbusvpn/nimbus/internal/packet"
)

// recordingTunnel captures packets pushed toward the client.
type recordingTunnel struct {
	mu      sync.Mutex
	packets [][]byte
	err     error
}

func (w *recordingTunnel) WritePacket(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.packets = append(w.packets, p)
	return nil
}

func (w *recordingTunnel) all() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte{}, w.packets...)
}

func TestSession_OnPacketReceived(t *testing.T) {
	s := newSession(okResponse(42, testKey), access.DefaultProtocolVersion, testClient, &mockAccess{}, logging.NopLogger())
	tunnel := &recordingTunnel{}
	s.SetTunnelWriter(tunnel)

	remote := netip.MustParseAddrPort("8.8.8.8:53")
	clientSource := netip.MustParseAddrPort("10.8.0.2:40123")
	local := netip.MustParseAddrPort("127.0.0.1:40001")

	s.OnPacketReceived(local, remote, clientSource, []byte("answer"))

	packets := tunnel.all()
	if len(packets) != 1 {
		t.Fatalf("tunnel saw %d packets, want 1", len(packets))
	}

	p := packets[0]
	src, _ := packet.SourceAddr(p)
	dst, _ := packet.DestinationAddr(p)
	if src != remote.Addr() || dst != clientSource.Addr() {
		t.Errorf("packet addressed %v -> %v, want %v -> %v", src, dst, remote.Addr(), clientSource.Addr())
	}

	srcPort, dstPort, payload, err := packet.UDPPayload(p)
	if err != nil {
		t.Fatalf("UDPPayload: %v", err)
	}
	if srcPort != 53 || dstPort != 40123 {
		t.Errorf("ports %d -> %d, want 53 -> 40123", srcPort, dstPort)
	}
	if string(payload) != "answer" {
		t.Errorf("payload = %q, want answer", payload)
	}

	if got := s.PendingUsage().ReceivedBytes; got != int64(len("answer")) {
		t.Errorf("received usage = %d, want %d", got, len("answer"))
	}
}

func TestSession_OnPacketReceived_NoTunnel(t *testing.T) {
	s := newSession(okResponse(42, testKey), access.DefaultProtocolVersion, testClient, &mockAccess{}, logging.NopLogger())

	// Without a tunnel the datagram is dropped; usage still counts.
	s.OnPacketReceived(
		netip.MustParseAddrPort("127.0.0.1:40001"),
		netip.MustParseAddrPort("8.8.8.8:53"),
		netip.MustParseAddrPort("10.8.0.2:40123"),
		[]byte("data"))

	if got := s.PendingUsage().ReceivedBytes; got != 4 {
		t.Errorf("received usage = %d, want 4", got)
	}
}

func TestSession_SyncReportsAndResetsUsage(t *testing.T) {
	client := &mockAccess{}
	s := newSession(okResponse(42, testKey), access.DefaultProtocolVersion, testClient, client, logging.NopLogger())

	s.AddUsage(100, 40)
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	client.mu.Lock()
	usage := client.lastUsage
	client.mu.Unlock()
	if usage.SentBytes != 100 || usage.ReceivedBytes != 40 {
		t.Errorf("reported usage = %+v", usage)
	}

	if got := s.PendingUsage(); got.SentBytes != 0 || got.ReceivedBytes != 0 {
		t.Errorf("pending usage after sync = %+v, want zero", got)
	}
}

func TestSession_SyncFailureKeepsUsage(t *testing.T) {
	client := &mockAccess{usageErr: errors.New("authority down")}
	s := newSession(okResponse(42, testKey), access.DefaultProtocolVersion, testClient, client, logging.NopLogger())

	s.AddUsage(100, 40)
	if err := s.Sync(context.Background()); err == nil {
		t.Fatal("expected sync failure")
	}

	// Undelivered usage is kept for the next report.
	if got := s.PendingUsage(); got.SentBytes != 100 || got.ReceivedBytes != 40 {
		t.Errorf("pending usage after failed sync = %+v, want retained", got)
	}
	if s.IsDisposed() {
		t.Error("transport failure must not dispose the session")
	}
}

func TestSession_SyncOnDisposedIsNoop(t *testing.T) {
	client := &mockAccess{}
	s := newSession(okResponse(42, testKey), access.DefaultProtocolVersion, testClient, client, logging.NopLogger())

	s.Dispose()
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync on disposed: %v", err)
	}
	if _, usage, _ := client.stats(); usage != 0 {
		t.Errorf("disposed session reported usage %d times", usage)
	}
}

func TestSession_CloseMarksResponseClosed(t *testing.T) {
	client := &mockAccess{}
	s := newSession(okResponse(42, testKey), access.DefaultProtocolVersion, testClient, client, logging.NopLogger())

	s.AddUsage(10, 0)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !s.IsDisposed() {
		t.Error("Close must dispose the session")
	}
	if s.Response().ErrorCode != access.CodeSessionClosed {
		t.Errorf("response code = %v, want session closed", s.Response().ErrorCode)
	}
	if _, _, closing := client.stats(); closing != 1 {
		t.Errorf("closing reports = %d, want 1", closing)
	}
}

func TestSession_DisposeIdempotent(t *testing.T) {
	s := newSession(okResponse(42, testKey), access.DefaultProtocolVersion, testClient, &mockAccess{}, logging.NopLogger())

	s.Dispose()
	s.Dispose()

	if !s.IsDisposed() {
		t.Error("session should be disposed")
	}
}

func TestSession_ProtocolVersionDefault(t *testing.T) {
	resp := okResponse(42, testKey)

	extra, err := access.ParseExtraData(resp.ExtraData)
	if err != nil {
		t.Fatalf("ParseExtraData: %v", err)
	}
	s := newSession(resp, extra.ProtocolVersion, testClient, &mockAccess{}, logging.NopLogger())

	if s.ProtocolVersion() != 3 {
		t.Errorf("protocol version = %d, want default 3", s.ProtocolVersion())
	}
}
