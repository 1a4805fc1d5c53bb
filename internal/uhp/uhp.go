// Package uhp implements the Unified Handshake Protocol of spec.md §4.3: a
// two-message mutual-identity handshake between an initiator and a
// responder that ends in a shared session key, an app-level MAC key, and a
// session id, protected against replay by a persistent nonce cache.
//
// Grounded on qzmq's handshake/key-rotation idiom (timeouts, explicit
// failure errors, fail-closed on storage) adapted from ML-KEM/ML-DSA to
// ZHTP's identity model.
package uhp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/kvstore"
	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

// Timeout is the maximum duration a handshake may take end to end
// (spec.md §4.3).
const Timeout = 30 * time.Second

const (
	defaultNonceTTL = 5 * time.Minute
	meshNonceTTL    = 10 * time.Minute
)

var (
	ErrNodeIDMismatch     = errors.New("uhp: node id does not match did/device")
	ErrSignatureInvalid   = errors.New("uhp: signature invalid")
	ErrNonceReplay        = errors.New("uhp: nonce replay or expired")
	ErrTimeout            = errors.New("uhp: handshake timeout")
	ErrNonceCacheFailClosed = errors.New("uhp: nonce cache unavailable, failing closed")
)

// Init is the first handshake message, sent by the initiator.
type Init struct {
	PQPubKey  []byte // Dilithium public key bytes
	KyberPub  []byte // Kyber public key bytes
	DID       identity.DID
	DeviceID  string
	NodeID    identity.NodeID
	Nonce     [16]byte
	Challenge []byte
	Signature []byte
}

// Resp is the second handshake message, sent by the responder.
type Resp struct {
	PQPubKey      []byte
	DID           identity.DID
	DeviceID      string
	NodeID        identity.NodeID
	Nonce         [16]byte
	KyberCT       []byte
	Signature     []byte
}

// SessionKeys holds the derived key material common to both parties on
// handshake success.
type SessionKeys struct {
	SessionID  [16]byte
	MasterKey  zcrypto.Hash
	SessionKey []byte // 32 bytes, HKDF(master_key, "session-aead", 32)
	AppMACKey  zcrypto.Hash
}

// NonceCache is the persistent, fail-closed replay cache spec.md §4.3
// requires: keyed by nonce bytes, valued by an expiry timestamp, and
// required to survive process restart.
type NonceCache struct {
	store kvstore.Store
}

func NewNonceCache(store kvstore.Store) *NonceCache {
	return &NonceCache{store: store}
}

// CheckAndInsert rejects if nonce is present and unexpired; otherwise
// inserts it with the given TTL. Fails closed: any store error is treated
// as a rejection, never a pass-through.
func (c *NonceCache) CheckAndInsert(ctx context.Context, nonce []byte, ttl time.Duration) error {
	existing, err := c.store.Get(nonce)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNonceCacheFailClosed, err)
	}
	now := time.Now()
	if err == nil {
		expiry := decodeExpiry(existing)
		if now.Before(expiry) {
			return ErrNonceReplay
		}
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(now.Add(ttl).UnixNano()))
	if err := c.store.Put(nonce, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrNonceCacheFailClosed, err)
	}
	return nil
}

func decodeExpiry(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}

func randomNonce() ([16]byte, error) {
	var n [16]byte
	if err := zcrypto.FillRandom(n[:]); err != nil {
		return n, err
	}
	return n, nil
}

// canonicalInit returns the exact byte-string the Init signature covers.
func canonicalInit(msg *Init) []byte {
	var buf bytes.Buffer
	buf.Write(msg.PQPubKey)
	buf.Write(msg.KyberPub)
	buf.WriteString(string(msg.DID))
	buf.WriteString(msg.DeviceID)
	buf.Write(msg.NodeID[:])
	buf.Write(msg.Nonce[:])
	buf.Write(msg.Challenge)
	return buf.Bytes()
}

// canonicalResp returns the byte-string the Resp signature covers: the
// full Init message followed by the Resp fields preceding the signature.
func canonicalResp(init *Init, resp *Resp) []byte {
	var buf bytes.Buffer
	buf.Write(canonicalInit(init))
	buf.Write(resp.PQPubKey)
	buf.WriteString(string(resp.DID))
	buf.WriteString(resp.DeviceID)
	buf.Write(resp.NodeID[:])
	buf.Write(resp.Nonce[:])
	buf.Write(resp.KyberCT)
	return buf.Bytes()
}

// BuildInit constructs and signs the Init message for id, reaching out to
// challenge as an opaque caller-supplied freshness value (e.g. a recent
// DHT-observed block hash).
func BuildInit(id *identity.Identity, challenge []byte) (*Init, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	msg := &Init{
		PQPubKey:  id.DilithiumPub.Bytes(),
		KyberPub:  id.KyberPub.Bytes(),
		DID:       id.DID,
		DeviceID:  id.Device,
		NodeID:    id.NodeID,
		Nonce:     nonce,
		Challenge: challenge,
	}
	msg.Signature = id.Sign(canonicalInit(msg))
	return msg, nil
}

// VerifyAndRespond implements the five responder-side verification and
// response steps of spec.md §4.3, returning the Resp message and the
// derived SessionKeys on success.
func VerifyAndRespond(ctx context.Context, id *identity.Identity, nonces *NonceCache, init *Init, mesh bool) (*Resp, *SessionKeys, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	if err := identity.VerifyNodeIDBinding(init.NodeID, init.DID, init.DeviceID); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNodeIDMismatch, err)
	}

	initPub, err := zcrypto.DilithiumPublicKeyFromBytes(init.PQPubKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !initPub.Verify(canonicalInit(init), init.Signature) {
		return nil, nil, ErrSignatureInvalid
	}

	ttl := defaultNonceTTL
	if mesh {
		ttl = meshNonceTTL
	}
	if err := nonces.CheckAndInsert(ctx, init.Nonce[:], ttl); err != nil {
		return nil, nil, err
	}

	initKyberPub, err := zcrypto.KyberPublicKeyFromBytes(init.KyberPub)
	if err != nil {
		return nil, nil, fmt.Errorf("uhp: bad kyber public key: %w", err)
	}
	kyberCT, sharedSecret, err := initKyberPub.Encapsulate()
	if err != nil {
		return nil, nil, err
	}

	nonceR, err := randomNonce()
	if err != nil {
		return nil, nil, err
	}

	resp := &Resp{
		PQPubKey: id.DilithiumPub.Bytes(),
		DID:      id.DID,
		DeviceID: id.Device,
		NodeID:   id.NodeID,
		Nonce:    nonceR,
		KyberCT:  kyberCT,
	}
	resp.Signature = id.Sign(canonicalResp(init, resp))

	keys := deriveSessionKeys(sharedSecret, init.Nonce, nonceR, init.DID, resp.DID, true)
	return resp, keys, nil
}

// VerifyResponse implements the initiator-side verification steps of
// spec.md §4.3, returning the derived SessionKeys on success. kyberSK is
// the initiator's own Kyber private key used to decapsulate resp.KyberCT.
func VerifyResponse(ctx context.Context, nonces *NonceCache, init *Init, resp *Resp, kyberSK *zcrypto.KyberPrivateKey, mesh bool) (*SessionKeys, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	if err := identity.VerifyNodeIDBinding(resp.NodeID, resp.DID, resp.DeviceID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNodeIDMismatch, err)
	}

	respPub, err := zcrypto.DilithiumPublicKeyFromBytes(resp.PQPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !respPub.Verify(canonicalResp(init, resp), resp.Signature) {
		return nil, ErrSignatureInvalid
	}

	ttl := defaultNonceTTL
	if mesh {
		ttl = meshNonceTTL
	}
	if err := nonces.CheckAndInsert(ctx, resp.Nonce[:], ttl); err != nil {
		return nil, err
	}

	sharedSecret, err := kyberSK.Decapsulate(resp.KyberCT)
	if err != nil {
		return nil, err
	}

	keys := deriveSessionKeys(sharedSecret, init.Nonce, resp.Nonce, init.DID, resp.DID, false)
	return keys, nil
}

// deriveSessionKeys computes the four key-derivation formulas of spec.md
// §4.3. fromResponder controls nothing about the output (both sides must
// compute identical keys); it exists only for readability at call sites.
func deriveSessionKeys(sharedSecret []byte, nonceI, nonceR [16]byte, didI, didR identity.DID, fromResponder bool) *SessionKeys {
	masterKey := zcrypto.BLAKE3([]byte("zhtp-uhp-master"), sharedSecret, nonceI[:], nonceR[:])
	sessionKey, _ := zcrypto.HKDFExpand(masterKey.Bytes(), "session-aead", 32)

	var sessionID [16]byte
	sidHash := zcrypto.BLAKE3(nonceI[:], nonceR[:], []byte(didI), []byte(didR))
	copy(sessionID[:], sidHash.Bytes()[:16])

	// app_mac_key order is server-then-client from the server's (responder's)
	// viewpoint; didR is always the responder's DID in this package's calls.
	appMACKey := zcrypto.BLAKE3([]byte("zhtp-web4-app-mac"), masterKey.Bytes(), sessionID[:], []byte(didR), []byte(didI))

	return &SessionKeys{
		SessionID:  sessionID,
		MasterKey:  masterKey,
		SessionKey: sessionKey,
		AppMACKey:  appMACKey,
	}
}
