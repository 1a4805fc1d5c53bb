package zcrypto

import (
	"bytes"
	"testing"
)

func TestBLAKE3Deterministic(t *testing.T) {
	a := BLAKE3([]byte("hello"), []byte("world"))
	b := BLAKE3([]byte("hello"), []byte("world"))
	if a != b {
		t.Fatal("BLAKE3 is not deterministic across identical inputs")
	}
	c := BLAKE3([]byte("hello"), []byte("World"))
	if a == c {
		t.Fatal("BLAKE3 collided on different inputs")
	}
}

func TestHKDFExpandLength(t *testing.T) {
	out, err := HKDFExpand([]byte("ikm-material"), "zk-id", 32)
	if err != nil {
		t.Fatalf("HKDFExpand: %v", err)
	}
	if len(out) != 32 {
		t.Fatalf("got %d bytes, want 32", len(out))
	}
	out2, _ := HKDFExpand([]byte("ikm-material"), "zk-id", 32)
	if !bytes.Equal(out, out2) {
		t.Fatal("HKDFExpand is not deterministic")
	}
	out3, _ := HKDFExpand([]byte("ikm-material"), "wallet", 32)
	if bytes.Equal(out, out3) {
		t.Fatal("different labels produced identical output")
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	a, err := NewAEAD(key)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}
	pt := []byte("session payload")
	ct, err := a.Seal(pt, []byte("aad"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := a.Open(ct, []byte("aad"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(pt, got) {
		t.Fatalf("round trip mismatch: got %q want %q", got, pt)
	}

	if _, err := a.Open(ct, []byte("wrong-aad")); err == nil {
		t.Fatal("expected Open to fail with mismatched AAD")
	}
}

func TestDilithiumSignVerify(t *testing.T) {
	pk, sk, err := GenerateDilithiumKey()
	if err != nil {
		t.Fatalf("GenerateDilithiumKey: %v", err)
	}
	msg := []byte("block header bytes")
	sig := sk.Sign(msg)
	if !pk.Verify(msg, sig) {
		t.Fatal("valid signature failed to verify")
	}
	if pk.Verify([]byte("tampered"), sig) {
		t.Fatal("signature verified over the wrong message")
	}
}

func TestKyberKEMRoundTrip(t *testing.T) {
	pk, sk, err := GenerateKyberKey()
	if err != nil {
		t.Fatalf("GenerateKyberKey: %v", err)
	}
	ct, ss1, err := pk.Encapsulate()
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	ss2, err := sk.Decapsulate(ct)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if !bytes.Equal(ss1, ss2) {
		t.Fatal("shared secrets diverged between encapsulate and decapsulate")
	}
}
