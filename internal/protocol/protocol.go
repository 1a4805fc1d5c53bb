// Package protocol implements the ZHTP/1.0 control-plane wire envelope
// of spec.md §6: a length-prefixed request/response framing carried over
// authenticated QUIC, with a MAC-protected auth_context binding mutating
// requests to a live UHP session and rejecting sequence replay.
//
// Grounded on qzmq's explicit length-prefixed, encoding/binary wire
// framing (qzmq.go's frame layout idiom) adapted from a symmetric AEAD
// transport to ZHTP's request/response envelope, and codec.go's
// version-tagged marshal/unmarshal pattern.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/zhtp-network/zhtp/internal/errs"
	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

// ZhtpMethod enumerates control-plane request methods.
type ZhtpMethod uint8

const (
	MethodGET ZhtpMethod = iota
	MethodPOST
	MethodPUT
	MethodDELETE
	MethodPATCH
)

// IsMutating reports whether m requires an auth_context per spec.md §6.
func (m ZhtpMethod) IsMutating() bool {
	switch m {
	case MethodPOST, MethodPUT, MethodDELETE, MethodPATCH:
		return true
	default:
		return false
	}
}

func (m ZhtpMethod) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodPOST:
		return "POST"
	case MethodPUT:
		return "PUT"
	case MethodDELETE:
		return "DELETE"
	case MethodPATCH:
		return "PATCH"
	default:
		return "UNKNOWN"
	}
}

// StatusCode is the ZHTP/1.0 response status, covering HTTP-style
// 2xx-5xx plus the Web4 extension ranges of spec.md §6.
type StatusCode uint16

const (
	StatusOK                  StatusCode = 200
	StatusBadRequest          StatusCode = 400
	StatusUnauthorized        StatusCode = 401
	StatusNotFound            StatusCode = 404
	StatusConflict            StatusCode = 409
	StatusTooManyRequests     StatusCode = 429
	StatusInternalServerError StatusCode = 500

	// 6xx: zero-knowledge proof errors.
	StatusZKInvalid             StatusCode = 600
	StatusZKRequired            StatusCode = 601
	StatusZKVerificationFailed  StatusCode = 602
	StatusZKPrivacyViolation    StatusCode = 603
	StatusZKIdentityProofInvalid StatusCode = 604

	// 7xx: economic errors.
	StatusFeeRequired       StatusCode = 700
	StatusFeeInsufficient   StatusCode = 701
	StatusEconomicProofInvalid StatusCode = 702
	StatusValidationFailed  StatusCode = 703
	StatusUBIReqUnmet       StatusCode = 704
	StatusNetFeeInsufficient StatusCode = 705

	// 8xx: mesh errors.
	StatusMeshUnavailable StatusCode = 800
	StatusPeerNotFound    StatusCode = 801
	StatusRoutingFailed   StatusCode = 802
	StatusBypassFailed    StatusCode = 803
	StatusCongestion      StatusCode = 804
	StatusBandwidthLimit  StatusCode = 805

	// 9xx: protocol errors.
	StatusPQCRequired       StatusCode = 900
	StatusSignatureInvalid  StatusCode = 901
	StatusEncryptionRequired StatusCode = 902
	StatusVersionMismatch   StatusCode = 903
	StatusIntegrityFailure  StatusCode = 904
	StatusAccessControl     StatusCode = 905
)

// Retryable reports whether a client may retry the request that
// produced status, per spec.md §7's fatal-vs-retryable distinction:
// 408/429/5xx/8xx are retryable, everything else at ≥500 is fatal.
func (s StatusCode) Retryable() bool {
	switch {
	case s == 408 || s == 429:
		return true
	case s >= 800 && s < 900:
		return true
	case s >= 500 && s < 600:
		return true
	default:
		return false
	}
}

// Fatal reports whether status represents a non-retryable failure.
func (s StatusCode) Fatal() bool {
	return s >= 500 && !s.Retryable()
}

// StatusForErrorKind maps a spec.md §7 error kind to its default
// ZHTP/1.0 status-code range, per spec.md §6/§7's "control-plane maps
// every error kind to a specific status code" requirement. Call sites
// with a more specific status (e.g. StatusZKVerificationFailed instead
// of the generic KindCrypto mapping) should prefer the specific code;
// this is the fallback for an undifferentiated error of that kind.
func StatusForErrorKind(k errs.Kind) StatusCode {
	switch k {
	case errs.KindCrypto:
		return StatusSignatureInvalid
	case errs.KindIdentity:
		return StatusZKIdentityProofInvalid
	case errs.KindHandshake:
		return StatusUnauthorized
	case errs.KindRouting:
		return StatusRoutingFailed
	case errs.KindStorage:
		return StatusMeshUnavailable
	case errs.KindValidation:
		return StatusValidationFailed
	case errs.KindEconomic:
		return StatusFeeInsufficient
	case errs.KindConcurrency:
		return StatusInternalServerError
	default:
		return StatusInternalServerError
	}
}

var (
	ErrTruncatedEnvelope = errors.New("protocol: truncated envelope")
	ErrMissingAuthContext = errors.New("protocol: mutating method requires auth_context")
	ErrSequenceReplay    = errors.New("protocol: sequence did not monotonically increase")
	ErrMACInvalid        = errors.New("protocol: auth_context mac invalid")
)

// AuthContext binds a mutating request to a live UHP session, per
// spec.md §6: session_id[16] || client_did || sequence[u64] || mac[32].
// On the wire EncodeRequest writes client_did with a u32 length prefix.
type AuthContext struct {
	SessionID [16]byte
	ClientDID identity.DID
	Sequence  uint64
	MAC       zcrypto.Hash
}

// Request is a decoded ZHTP/1.0 control-plane request envelope.
type Request struct {
	RequestID [16]byte
	Method    ZhtpMethod
	URI       string
	Body      []byte
	Headers   []byte
	Auth      *AuthContext // nil unless Method.IsMutating()
}

// Response is a decoded ZHTP/1.0 control-plane response envelope.
type Response struct {
	RequestID     [16]byte
	Status        StatusCode
	StatusMessage string
	Headers       []byte
	Body          []byte
}

// requestBytesWithoutMAC reconstructs the byte string
// auth_context's mac is computed over: the request envelope fields up to
// auth_context, then session_id || client_did || sequence with no mac.
// Unlike the wire form, client_did carries no length prefix here.
func requestBytesWithoutMAC(req *Request) []byte {
	var buf bytes.Buffer
	buf.Write(req.RequestID[:])
	buf.WriteByte(byte(req.Method))
	writeU32Prefixed(&buf, []byte(req.URI))
	writeU32Prefixed(&buf, req.Body)
	writeU32Prefixed(&buf, req.Headers)
	if req.Auth != nil {
		buf.Write(req.Auth.SessionID[:])
		buf.WriteString(string(req.Auth.ClientDID))
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], req.Auth.Sequence)
		buf.Write(seq[:])
	}
	return buf.Bytes()
}

// SignAuthContext computes mac = BLAKE3(appMACKey || request_bytes_without_mac)
// and fills it into req.Auth.
func SignAuthContext(req *Request, appMACKey zcrypto.Hash) {
	req.Auth.MAC = zcrypto.BLAKE3(appMACKey.Bytes(), requestBytesWithoutMAC(req))
}

// VerifyAuthContext recomputes the mac over req (with Auth.MAC excluded
// from the covered bytes, as SignAuthContext does) and compares.
func VerifyAuthContext(req *Request, appMACKey zcrypto.Hash) bool {
	if req.Auth == nil {
		return false
	}
	want := zcrypto.BLAKE3(appMACKey.Bytes(), requestBytesWithoutMAC(req))
	return want == req.Auth.MAC
}

// SessionSequenceTracker enforces the per-session monotonically
// increasing sequence requirement of spec.md §6, rejecting replays.
type SessionSequenceTracker struct {
	mu   sync.Mutex
	last map[[16]byte]uint64
}

func NewSessionSequenceTracker() *SessionSequenceTracker {
	return &SessionSequenceTracker{last: make(map[[16]byte]uint64)}
}

// CheckAndAdvance accepts sequence if it is strictly greater than the
// last accepted sequence for sessionID (0 accepted as the first value
// for any session), and records it. Otherwise returns ErrSequenceReplay.
func (t *SessionSequenceTracker) CheckAndAdvance(sessionID [16]byte, sequence uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, seen := t.last[sessionID]
	if seen && sequence <= last {
		return ErrSequenceReplay
	}
	t.last[sessionID] = sequence
	return nil
}

// ValidateMutatingRequest enforces spec.md §6's auth_context, MAC, and
// sequence-replay requirements for mutating methods. Non-mutating
// methods (GET) pass through unchecked.
func ValidateMutatingRequest(req *Request, appMACKey zcrypto.Hash, seq *SessionSequenceTracker) error {
	if !req.Method.IsMutating() {
		return nil
	}
	if req.Auth == nil {
		return ErrMissingAuthContext
	}
	if !VerifyAuthContext(req, appMACKey) {
		return ErrMACInvalid
	}
	return seq.CheckAndAdvance(req.Auth.SessionID, req.Auth.Sequence)
}

func writeU32Prefixed(buf *bytes.Buffer, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	buf.Write(n[:])
	buf.Write(data)
}

func readU32Prefixed(r *bytes.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := r.Read(n[:]); err != nil {
		return nil, ErrTruncatedEnvelope
	}
	length := binary.BigEndian.Uint32(n[:])
	if uint32(r.Len()) < length {
		return nil, ErrTruncatedEnvelope
	}
	data := make([]byte, length)
	if length == 0 {
		return data, nil
	}
	if _, err := r.Read(data); err != nil {
		return nil, ErrTruncatedEnvelope
	}
	return data, nil
}

// EncodeRequest serializes req per spec.md §6's wire layout:
// request_id[16] || method[1] || uri_len[u32] || uri || body_len[u32]
// || body || headers_len[u32] || headers || optional auth_context.
func EncodeRequest(req *Request) []byte {
	var buf bytes.Buffer
	buf.Write(req.RequestID[:])
	buf.WriteByte(byte(req.Method))
	writeU32Prefixed(&buf, []byte(req.URI))
	writeU32Prefixed(&buf, req.Body)
	writeU32Prefixed(&buf, req.Headers)
	if req.Auth != nil {
		buf.Write(req.Auth.SessionID[:])
		didBytes := []byte(req.Auth.ClientDID)
		var didLen [4]byte
		binary.BigEndian.PutUint32(didLen[:], uint32(len(didBytes)))
		buf.Write(didLen[:])
		buf.Write(didBytes)
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], req.Auth.Sequence)
		buf.Write(seq[:])
		buf.Write(req.Auth.MAC.Bytes())
	}
	return buf.Bytes()
}

// DecodeRequest parses b into a Request. hasAuth must be supplied by
// the caller based on req.Method.IsMutating(), since the wire format
// does not self-describe auth_context's presence other than by method.
func DecodeRequest(b []byte, hasAuth bool) (*Request, error) {
	r := bytes.NewReader(b)
	req := &Request{}
	if _, err := r.Read(req.RequestID[:]); err != nil {
		return nil, ErrTruncatedEnvelope
	}
	methodByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncatedEnvelope
	}
	req.Method = ZhtpMethod(methodByte)

	uri, err := readU32Prefixed(r)
	if err != nil {
		return nil, err
	}
	req.URI = string(uri)

	if req.Body, err = readU32Prefixed(r); err != nil {
		return nil, err
	}
	if req.Headers, err = readU32Prefixed(r); err != nil {
		return nil, err
	}

	if hasAuth {
		auth := &AuthContext{}
		if _, err := r.Read(auth.SessionID[:]); err != nil {
			return nil, ErrTruncatedEnvelope
		}
		didBytes, err := readU32Prefixed(r)
		if err != nil {
			return nil, err
		}
		auth.ClientDID = identity.DID(didBytes)
		var seq [8]byte
		if _, err := r.Read(seq[:]); err != nil {
			return nil, ErrTruncatedEnvelope
		}
		auth.Sequence = binary.BigEndian.Uint64(seq[:])
		macBytes := make([]byte, zcrypto.HashSize)
		if _, err := r.Read(macBytes); err != nil {
			return nil, ErrTruncatedEnvelope
		}
		copy(auth.MAC[:], macBytes)
		req.Auth = auth
	}
	return req, nil
}

// EncodeResponse serializes resp per spec.md §6's response layout:
// request_id[16] || status[u16] || status_message_len[u16] ||
// status_message || headers_len[u32] || headers || body_len[u32] || body.
func EncodeResponse(resp *Response) []byte {
	var buf bytes.Buffer
	buf.Write(resp.RequestID[:])
	var status [2]byte
	binary.BigEndian.PutUint16(status[:], uint16(resp.Status))
	buf.Write(status[:])
	msgBytes := []byte(resp.StatusMessage)
	var msgLen [2]byte
	binary.BigEndian.PutUint16(msgLen[:], uint16(len(msgBytes)))
	buf.Write(msgLen[:])
	buf.Write(msgBytes)
	writeU32Prefixed(&buf, resp.Headers)
	writeU32Prefixed(&buf, resp.Body)
	return buf.Bytes()
}

// DecodeResponse parses b into a Response.
func DecodeResponse(b []byte) (*Response, error) {
	r := bytes.NewReader(b)
	resp := &Response{}
	if _, err := r.Read(resp.RequestID[:]); err != nil {
		return nil, ErrTruncatedEnvelope
	}
	var status [2]byte
	if _, err := r.Read(status[:]); err != nil {
		return nil, ErrTruncatedEnvelope
	}
	resp.Status = StatusCode(binary.BigEndian.Uint16(status[:]))

	var msgLen [2]byte
	if _, err := r.Read(msgLen[:]); err != nil {
		return nil, ErrTruncatedEnvelope
	}
	msgBytes := make([]byte, binary.BigEndian.Uint16(msgLen[:]))
	if _, err := r.Read(msgBytes); err != nil {
		return nil, ErrTruncatedEnvelope
	}
	resp.StatusMessage = string(msgBytes)

	var err error
	if resp.Headers, err = readU32Prefixed(r); err != nil {
		return nil, err
	}
	if resp.Body, err = readU32Prefixed(r); err != nil {
		return nil, err
	}
	return resp, nil
}

// WriteFrame length-prefixes payload with a u32 big-endian length, the
// framing UHP Init/Resp messages and control-plane envelopes share over
// QUIC, per spec.md §6.
func WriteFrame(payload []byte) []byte {
	var buf bytes.Buffer
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(payload)))
	buf.Write(n[:])
	buf.Write(payload)
	return buf.Bytes()
}

// ReadFrame strips one length-prefixed frame from the front of b,
// returning the payload and the number of bytes consumed.
func ReadFrame(b []byte) (payload []byte, consumed int, err error) {
	if len(b) < 4 {
		return nil, 0, ErrTruncatedEnvelope
	}
	length := binary.BigEndian.Uint32(b[:4])
	if uint32(len(b)-4) < length {
		return nil, 0, ErrTruncatedEnvelope
	}
	return b[4 : 4+length], 4 + int(length), nil
}

// MeshFrameType tags a post-handshake mesh frame's payload kind.
type MeshFrameType uint8

const (
	MeshFrameData MeshFrameType = iota
	MeshFrameControl
	MeshFrameKeepalive
)

// MeshFrame is a post-handshake mesh transport frame, per spec.md §6:
// frame_id[u64] || frame_type[u8] || payload_len[u32] || payload ||
// mac[32], mac keyed on the session_key derived during UHP.
type MeshFrame struct {
	FrameID   uint64
	FrameType MeshFrameType
	Payload   []byte
	MAC       zcrypto.Hash
}

// EncodeMeshFrame serializes f, computing mac = BLAKE3(sessionKey ||
// frame_id || frame_type || payload).
func EncodeMeshFrame(f *MeshFrame, sessionKey []byte) []byte {
	var buf bytes.Buffer
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], f.FrameID)
	buf.Write(id[:])
	buf.WriteByte(byte(f.FrameType))
	writeU32Prefixed(&buf, f.Payload)
	mac := zcrypto.BLAKE3(sessionKey, id[:], []byte{byte(f.FrameType)}, f.Payload)
	buf.Write(mac.Bytes())
	return buf.Bytes()
}

// DecodeMeshFrame parses b and verifies its mac against sessionKey.
func DecodeMeshFrame(b []byte, sessionKey []byte) (*MeshFrame, error) {
	r := bytes.NewReader(b)
	f := &MeshFrame{}
	var id [8]byte
	if _, err := r.Read(id[:]); err != nil {
		return nil, ErrTruncatedEnvelope
	}
	f.FrameID = binary.BigEndian.Uint64(id[:])
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncatedEnvelope
	}
	f.FrameType = MeshFrameType(typeByte)
	if f.Payload, err = readU32Prefixed(r); err != nil {
		return nil, err
	}
	macBytes := make([]byte, zcrypto.HashSize)
	if _, err := r.Read(macBytes); err != nil {
		return nil, ErrTruncatedEnvelope
	}
	copy(f.MAC[:], macBytes)

	want := zcrypto.BLAKE3(sessionKey, id[:], []byte{byte(f.FrameType)}, f.Payload)
	if want != f.MAC {
		return nil, fmt.Errorf("protocol: mesh frame mac invalid for frame %d", f.FrameID)
	}
	return f, nil
}
