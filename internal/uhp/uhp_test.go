package uhp

import (
	"bytes"
	"context"
	"testing"

	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/kvstore"
)

func newTestIdentity(t *testing.T, device string) *identity.Identity {
	t.Helper()
	id, err := identity.New(identity.IdentityHuman, device, nil)
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	return id
}

func newTestNonceCache(t *testing.T) *NonceCache {
	t.Helper()
	store, err := kvstore.Open("")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewNonceCache(store)
}

func TestHandshakeKeyAgreement(t *testing.T) {
	ctx := context.Background()
	initiator := newTestIdentity(t, "laptop")
	responder := newTestIdentity(t, "server")

	initNonces := newTestNonceCache(t)
	respNonces := newTestNonceCache(t)

	init, err := BuildInit(initiator, []byte("challenge"))
	if err != nil {
		t.Fatalf("BuildInit: %v", err)
	}

	resp, responderKeys, err := VerifyAndRespond(ctx, responder, respNonces, init, false)
	if err != nil {
		t.Fatalf("VerifyAndRespond: %v", err)
	}

	initiatorKeys, err := VerifyResponse(ctx, initNonces, init, resp, initiator.KyberPrivate(), false)
	if err != nil {
		t.Fatalf("VerifyResponse: %v", err)
	}

	if initiatorKeys.SessionID != responderKeys.SessionID {
		t.Fatal("session ids diverged")
	}
	if initiatorKeys.MasterKey != responderKeys.MasterKey {
		t.Fatal("master keys diverged")
	}
	if !bytes.Equal(initiatorKeys.SessionKey, responderKeys.SessionKey) {
		t.Fatal("session keys diverged")
	}
	if initiatorKeys.AppMACKey != responderKeys.AppMACKey {
		t.Fatal("app mac keys diverged")
	}
}

func TestHandshakeRejectsTamperedNodeID(t *testing.T) {
	ctx := context.Background()
	initiator := newTestIdentity(t, "laptop")
	responder := newTestIdentity(t, "server")
	nonces := newTestNonceCache(t)

	init, err := BuildInit(initiator, []byte("challenge"))
	if err != nil {
		t.Fatalf("BuildInit: %v", err)
	}
	init.NodeID[0] ^= 0xff

	if _, _, err := VerifyAndRespond(ctx, responder, nonces, init, false); err == nil {
		t.Fatal("expected responder to reject a tampered NodeId")
	}
}

func TestHandshakeRejectsNonceReplay(t *testing.T) {
	ctx := context.Background()
	initiator := newTestIdentity(t, "laptop")
	responder := newTestIdentity(t, "server")
	nonces := newTestNonceCache(t)

	init, err := BuildInit(initiator, []byte("challenge"))
	if err != nil {
		t.Fatalf("BuildInit: %v", err)
	}

	if _, _, err := VerifyAndRespond(ctx, responder, nonces, init, false); err != nil {
		t.Fatalf("first handshake should succeed: %v", err)
	}
	if _, _, err := VerifyAndRespond(ctx, responder, nonces, init, false); err == nil {
		t.Fatal("expected replayed Init nonce to be rejected")
	}
}

func TestHandshakeRejectsForgedSignature(t *testing.T) {
	ctx := context.Background()
	initiator := newTestIdentity(t, "laptop")
	responder := newTestIdentity(t, "server")
	nonces := newTestNonceCache(t)

	init, err := BuildInit(initiator, []byte("challenge"))
	if err != nil {
		t.Fatalf("BuildInit: %v", err)
	}
	init.Signature[0] ^= 0xff

	if _, _, err := VerifyAndRespond(ctx, responder, nonces, init, false); err == nil {
		t.Fatal("expected forged signature to be rejected")
	}
}
