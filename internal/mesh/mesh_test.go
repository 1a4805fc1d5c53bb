package mesh

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/obs"
	"github.com/zhtp-network/zhtp/internal/registry"
)

func nid(b byte) identity.NodeID {
	var n identity.NodeID
	n[0] = b
	return n
}

// admitPeer registers peer in reg so CanReach's registry gate passes.
func admitPeer(t *testing.T, reg *registry.Registry, peer identity.NodeID) {
	t.Helper()
	if err := reg.AddNode(&registry.PeerEntry{NodeID: peer, PQPubKey: []byte{1}, Verified: true}); err != nil {
		t.Fatalf("AddNode(%v): %v", peer, err)
	}
}

func TestFragmentReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("zhtp-mesh-payload-"), 50) // > BLE mtu budget
	frames, err := Fragment(payload, BLEMTU)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(frames) < 2 {
		t.Fatalf("expected payload to require multiple fragments, got %d", len(frames))
	}

	r := NewReassembler(time.Second)
	var got []byte
	var done bool
	for _, f := range frames {
		out, complete, err := r.Add(f)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if complete {
			got = out
			done = true
		}
	}
	if !done {
		t.Fatal("reassembly never completed")
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestReassemblerStaleTimeout(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 2000)
	frames, err := Fragment(payload, BLEMTU)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(frames) < 2 {
		t.Fatal("need at least 2 fragments for this test")
	}

	r := NewReassembler(10 * time.Millisecond)
	_, complete, err := r.Add(frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if complete {
		t.Fatal("should not be complete after one fragment")
	}

	time.Sleep(30 * time.Millisecond)
	// Trigger the sweep with an unrelated fragment from a unique message.
	other, _ := Fragment([]byte("small"), BLEMTU)
	r.Add(other[0])

	if len(r.pending) > 1 {
		t.Fatalf("expected stale partial message to be swept, pending=%d", len(r.pending))
	}
}

func TestMultiTransportSendsOnHighestPriorityReachable(t *testing.T) {
	local := nid(1)
	peer := nid(2)

	reg := registry.New(local, 20, 0)
	admitPeer(t, reg, peer)
	peerReg := registry.New(peer, 20, 0)
	admitPeer(t, peerReg, local)

	quic := NewQUICTransport(local, reg)
	ble := NewBLETransport(local, reg)

	peerQUIC := NewQUICTransport(peer, peerReg)
	peerBLE := NewBLETransport(peer, peerReg)

	quic.Link(peer, peerQUIC.baseTransport)
	ble.Link(peer, peerBLE.baseTransport)

	multi := NewMultiTransport(reg, ble, quic) // priority must still pick quic
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := multi.Send(ctx, peer, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
	defer rcancel()
	payload, from, err := peerQUIC.Receive(rctx)
	if err != nil {
		t.Fatalf("expected delivery via QUIC (higher priority), got error: %v", err)
	}
	if string(payload) != "hello" || from != local {
		t.Fatalf("unexpected payload/from: %q %v", payload, from)
	}
}

func TestMultiTransportSendWithMetricsAttached(t *testing.T) {
	local := nid(1)
	peer := nid(2)

	reg := registry.New(local, 20, 0)
	admitPeer(t, reg, peer)

	quic := NewQUICTransport(local, reg)
	peerQUIC := NewQUICTransport(peer, registry.New(peer, 20, 0))
	quic.Link(peer, peerQUIC.baseTransport)

	multi := NewMultiTransport(reg, quic)
	multi.SetMetrics(obs.NewMetrics(nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := multi.Send(ctx, peer, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestMultiTransportUnreachable(t *testing.T) {
	local := nid(1)
	reg := registry.New(local, 20, 0)
	quic := NewQUICTransport(local, reg)
	multi := NewMultiTransport(reg, quic)
	err := multi.Send(context.Background(), nid(9), []byte("x"))
	if err != ErrUnreachable {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestCanReachRequiresRegistryMembershipNotJustLink(t *testing.T) {
	local := nid(1)
	peer := nid(2)

	reg := registry.New(local, 20, 0)
	quic := NewQUICTransport(local, reg)
	peerQUIC := NewQUICTransport(peer, registry.New(peer, 20, 0))
	quic.Link(peer, peerQUIC.baseTransport)

	// Physical link exists, but the peer has not been admitted to the
	// unified registry yet: CanReach must report false.
	if quic.CanReach(peer) {
		t.Fatal("expected CanReach to be false before registry admission")
	}

	admitPeer(t, reg, peer)
	if !quic.CanReach(peer) {
		t.Fatal("expected CanReach to be true once the peer is registered")
	}
}

func TestMultiTransportMarksRegistryFailureWhenUnreachable(t *testing.T) {
	local := nid(1)
	peer := nid(2)

	reg := registry.New(local, 20, 0)
	admitPeer(t, reg, peer) // registered, but no transport is linked to it

	quic := NewQUICTransport(local, reg)
	multi := NewMultiTransport(reg, quic)

	if err := multi.Send(context.Background(), peer, []byte("x")); err != ErrUnreachable {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	p, err := reg.Get(peer)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.FailedAttempts != 1 {
		t.Fatalf("expected the unreachable send to record one registry failure, got %d", p.FailedAttempts)
	}
}
