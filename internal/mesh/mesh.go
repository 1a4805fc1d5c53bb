// Package mesh implements the transport abstraction of spec.md §4.5: a
// common Transport interface, concrete QUIC/UDP/BLE/WiFi-Direct
// characterizations, a BLE fragmenter/reassembler for MTU-bound links, and
// a multi-transport wrapper that races receive() and picks the
// highest-priority reachable transport for send. Reachability and
// send/receive outcomes are gated through internal/registry, the unified
// peer registry spec.md §2 names as shared by mesh + DHT + discovery.
//
// Grounded on qzmq's transport-agnostic framing (message ids, sequencing,
// stale-timeout reassembly) adapted from its ZeroMQ socket model to
// ZHTP's heterogeneous radio set.
package mesh

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/obs"
	"github.com/zhtp-network/zhtp/internal/registry"
)

var (
	ErrUnreachable   = errors.New("mesh: peer not reachable by any transport")
	ErrFragmentStale = errors.New("mesh: fragment reassembly timed out")
	ErrNoTransports  = errors.New("mesh: no transports registered")
)

// Transport is the common capability set spec.md §4.5 requires of every
// link technology ZHTP can carry frames over.
type Transport interface {
	Name() string
	Send(ctx context.Context, peer identity.NodeID, payload []byte) error
	Receive(ctx context.Context) (payload []byte, from identity.NodeID, err error)
	LocalPeerID() identity.NodeID
	CanReach(peer identity.NodeID) bool
	MTU() int
	TypicalLatency() time.Duration
	// Priority ranks transports for send selection; higher wins.
	Priority() int
}

// Characteristics used by the four named transports (spec.md §4.5).
const (
	QUICMTU = 1200
	QUICLatency = 15 * time.Millisecond

	UDPMTU = 1472
	UDPLatency = 5 * time.Millisecond

	BLEMTU = 512
	BLELatency = 40 * time.Millisecond

	WiFiDirectMTU = 1400
	WiFiDirectLatency = 10 * time.Millisecond
)

// baseTransport factors the bookkeeping shared by every concrete
// transport below: a physical-link set, an inbound queue, and priority.
// The physical-link set (peers) records only which NodeIds this radio has
// an established link to — it is not a second peer directory. Whether a
// linked peer is actually reachable additionally depends on reg, the
// unified registry shared by mesh + DHT + discovery (spec.md §2): a peer
// evicted from reg (e.g. past FailureThreshold) stops being reachable over
// every transport, even if the physical link is still up.
type baseTransport struct {
	name     string
	local    identity.NodeID
	mtu      int
	latency  time.Duration
	priority int
	reg      *registry.Registry

	mu      sync.RWMutex
	peers   map[identity.NodeID]bool
	inbound chan inboundFrame
}

type inboundFrame struct {
	payload []byte
	from    identity.NodeID
}

func newBaseTransport(name string, local identity.NodeID, mtu int, latency time.Duration, priority int, reg *registry.Registry) *baseTransport {
	return &baseTransport{
		name:     name,
		local:    local,
		mtu:      mtu,
		latency:  latency,
		priority: priority,
		reg:      reg,
		peers:    make(map[identity.NodeID]bool),
		inbound:  make(chan inboundFrame, 256),
	}
}

func (b *baseTransport) Name() string                  { return b.name }
func (b *baseTransport) LocalPeerID() identity.NodeID  { return b.local }
func (b *baseTransport) MTU() int                      { return b.mtu }
func (b *baseTransport) TypicalLatency() time.Duration { return b.latency }
func (b *baseTransport) Priority() int                 { return b.priority }

func (b *baseTransport) RegisterPeer(peer identity.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[peer] = true
}

// CanReach requires both a live physical link and registry membership: a
// peer the unified registry has evicted is unreachable regardless of
// whether this radio's link table still has a stale entry for it.
func (b *baseTransport) CanReach(peer identity.NodeID) bool {
	b.mu.RLock()
	linked := b.peers[peer]
	b.mu.RUnlock()
	if !linked {
		return false
	}
	if b.reg == nil {
		return true
	}
	_, err := b.reg.Get(peer)
	return err == nil
}

func (b *baseTransport) deliver(payload []byte, from identity.NodeID) {
	select {
	case b.inbound <- inboundFrame{payload: payload, from: from}:
	default:
	}
}

func (b *baseTransport) Receive(ctx context.Context) ([]byte, identity.NodeID, error) {
	select {
	case f := <-b.inbound:
		return f.payload, f.from, nil
	case <-ctx.Done():
		return nil, identity.NodeID{}, ctx.Err()
	}
}

// QUICTransport, UDPTransport, BLETransport, WiFiDirectTransport are thin
// wrappers giving each link technology its named characteristics; Send
// delivers directly into the linked peer's inbound queue, modeling a
// reliable point-to-point channel. Production wiring would replace this
// with real QUIC/UDP/BLE/WiFi-Direct sockets behind the same interface.
type QUICTransport struct {
	*baseTransport
	links map[identity.NodeID]*baseTransport
	mu    sync.RWMutex
}

// NewQUICTransport binds this transport's reachability to reg, the local
// node's unified peer registry (nil disables the registry gate, falling
// back to link-only reachability).
func NewQUICTransport(local identity.NodeID, reg *registry.Registry) *QUICTransport {
	return &QUICTransport{
		baseTransport: newBaseTransport("quic", local, QUICMTU, QUICLatency, 100, reg),
		links:         make(map[identity.NodeID]*baseTransport),
	}
}

// Link connects this transport to a peer's inbound queue, simulating a
// reachable, established QUIC connection.
func (q *QUICTransport) Link(peer identity.NodeID, remote *baseTransport) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.links[peer] = remote
	q.RegisterPeer(peer)
}

func (q *QUICTransport) Send(ctx context.Context, peer identity.NodeID, payload []byte) error {
	q.mu.RLock()
	remote, ok := q.links[peer]
	q.mu.RUnlock()
	if !ok {
		return ErrUnreachable
	}
	remote.deliver(payload, q.local)
	return nil
}

type UDPTransport struct {
	*baseTransport
	links map[identity.NodeID]*baseTransport
	mu    sync.RWMutex
}

func NewUDPTransport(local identity.NodeID, reg *registry.Registry) *UDPTransport {
	return &UDPTransport{
		baseTransport: newBaseTransport("udp", local, UDPMTU, UDPLatency, 60, reg),
		links:         make(map[identity.NodeID]*baseTransport),
	}
}

func (u *UDPTransport) Link(peer identity.NodeID, remote *baseTransport) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.links[peer] = remote
	u.RegisterPeer(peer)
}

func (u *UDPTransport) Send(ctx context.Context, peer identity.NodeID, payload []byte) error {
	u.mu.RLock()
	remote, ok := u.links[peer]
	u.mu.RUnlock()
	if !ok {
		return ErrUnreachable
	}
	remote.deliver(payload, u.local)
	return nil
}

type WiFiDirectTransport struct {
	*baseTransport
	links map[identity.NodeID]*baseTransport
	mu    sync.RWMutex
}

func NewWiFiDirectTransport(local identity.NodeID, reg *registry.Registry) *WiFiDirectTransport {
	return &WiFiDirectTransport{
		baseTransport: newBaseTransport("wifi-direct", local, WiFiDirectMTU, WiFiDirectLatency, 80, reg),
		links:         make(map[identity.NodeID]*baseTransport),
	}
}

func (w *WiFiDirectTransport) Link(peer identity.NodeID, remote *baseTransport) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.links[peer] = remote
	w.RegisterPeer(peer)
}

func (w *WiFiDirectTransport) Send(ctx context.Context, peer identity.NodeID, payload []byte) error {
	w.mu.RLock()
	remote, ok := w.links[peer]
	w.mu.RUnlock()
	if !ok {
		return ErrUnreachable
	}
	remote.deliver(payload, w.local)
	return nil
}

// BLETransport has the smallest MTU of the set and therefore is the one
// that actually exercises the fragmenter below.
type BLETransport struct {
	*baseTransport
	links       map[identity.NodeID]*baseTransport
	mu          sync.RWMutex
	reassembler *Reassembler
}

func NewBLETransport(local identity.NodeID, reg *registry.Registry) *BLETransport {
	return &BLETransport{
		baseTransport: newBaseTransport("ble", local, BLEMTU, BLELatency, 20, reg),
		links:         make(map[identity.NodeID]*baseTransport),
		reassembler:   NewReassembler(30 * time.Second),
	}
}

func (b *BLETransport) Link(peer identity.NodeID, remote *baseTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.links[peer] = remote
	b.RegisterPeer(peer)
}

// Send fragments payload if it exceeds the BLE frame budget before
// delivering each fragment to the linked peer.
func (b *BLETransport) Send(ctx context.Context, peer identity.NodeID, payload []byte) error {
	b.mu.RLock()
	remote, ok := b.links[peer]
	b.mu.RUnlock()
	if !ok {
		return ErrUnreachable
	}
	frames, err := Fragment(payload, b.mtu)
	if err != nil {
		return err
	}
	for _, f := range frames {
		remote.deliver(f, b.local)
	}
	return nil
}

// MultiTransport races Receive across every registered child transport
// and selects the highest-priority reachable transport for Send, per
// spec.md §4.5. Send/Receive outcomes are reported to reg
// (MarkResponsive/MarkFailed) so the unified registry — not any per-
// transport link table — is the single source of truth peer failures and
// successes accumulate against.
type MultiTransport struct {
	transports []Transport
	reg        *registry.Registry
	metrics    *obs.Metrics
}

// NewMultiTransport binds Send/Receive peer bookkeeping to reg (nil
// disables it, same as a nil metrics sink disables instrumentation).
func NewMultiTransport(reg *registry.Registry, transports ...Transport) *MultiTransport {
	sorted := make([]Transport, len(transports))
	copy(sorted, transports)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority() > sorted[j].Priority() })
	return &MultiTransport{transports: sorted, reg: reg}
}

// SetMetrics attaches a metrics sink for Send/Receive byte counters.
// Optional; a nil sink (the default) disables instrumentation.
func (m *MultiTransport) SetMetrics(metrics *obs.Metrics) {
	m.metrics = metrics
}

// Send picks the highest-priority transport that reports CanReach(peer).
func (m *MultiTransport) Send(ctx context.Context, peer identity.NodeID, payload []byte) error {
	if len(m.transports) == 0 {
		return ErrNoTransports
	}
	for _, t := range m.transports {
		if t.CanReach(peer) {
			err := t.Send(ctx, peer, payload)
			if err != nil {
				if m.reg != nil {
					m.reg.MarkFailed(peer)
				}
				return err
			}
			if m.metrics != nil {
				m.metrics.MeshBytesSent.Add(float64(len(payload)))
			}
			if m.reg != nil {
				m.reg.MarkResponsive(peer)
			}
			return nil
		}
	}
	if m.reg != nil {
		m.reg.MarkFailed(peer)
	}
	return ErrUnreachable
}

// Receive races Receive across every child transport, returning whichever
// resolves first.
func (m *MultiTransport) Receive(ctx context.Context) ([]byte, identity.NodeID, error) {
	if len(m.transports) == 0 {
		return nil, identity.NodeID{}, ErrNoTransports
	}
	type result struct {
		payload []byte
		from    identity.NodeID
		err     error
	}
	ch := make(chan result, len(m.transports))
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, t := range m.transports {
		t := t
		go func() {
			p, f, err := t.Receive(childCtx)
			select {
			case ch <- result{p, f, err}:
			case <-childCtx.Done():
			}
		}()
	}
	select {
	case r := <-ch:
		if r.err == nil {
			if m.metrics != nil {
				m.metrics.MeshBytesRecv.Add(float64(len(r.payload)))
			}
			if m.reg != nil {
				m.reg.MarkResponsive(r.from)
			}
		}
		return r.payload, r.from, r.err
	case <-ctx.Done():
		return nil, identity.NodeID{}, ctx.Err()
	}
}

// --- BLE fragmenter/reassembler (spec.md §4.5) ---

const fragHeaderSize = 8 + 2 + 1 // message_id:8 + total:2 + seq:1

// Fragment splits payload into BLE frames of the form
// [message_id:8][total:2][seq:1][chunk], sized to fit within mtu-11 bytes
// of chunk payload per frame, per spec.md §4.5.
func Fragment(payload []byte, mtu int) ([][]byte, error) {
	chunkSize := mtu - 11
	if chunkSize <= 0 {
		return nil, errors.New("mesh: mtu too small to fragment")
	}
	total := (len(payload) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	if total > 256 { // seq is one byte
		return nil, errors.New("mesh: payload requires too many fragments")
	}

	var msgID [8]byte
	if err := randomBytes(msgID[:]); err != nil {
		return nil, err
	}

	frames := make([][]byte, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]

		frame := make([]byte, fragHeaderSize+len(chunk))
		copy(frame[0:8], msgID[:])
		binary.BigEndian.PutUint16(frame[8:10], uint16(total))
		frame[10] = byte(seq)
		copy(frame[11:], chunk)
		frames = append(frames, frame)
	}
	return frames, nil
}

func randomBytes(b []byte) error {
	_, err := rand.Read(b)
	return err
}

// Reassembler holds incomplete messages keyed by message_id until every
// fragment arrives or staleTimeout elapses, per spec.md §4.5.
type Reassembler struct {
	mu           sync.Mutex
	staleTimeout time.Duration
	pending      map[[8]byte]*partialMessage
}

type partialMessage struct {
	total    int
	chunks   map[byte][]byte
	received int
	lastSeen time.Time
}

func NewReassembler(staleTimeout time.Duration) *Reassembler {
	return &Reassembler{
		staleTimeout: staleTimeout,
		pending:      make(map[[8]byte]*partialMessage),
	}
}

// Add ingests one fragment, returning the reassembled payload once the
// final fragment for its message_id arrives. Stale partial messages are
// swept from each call.
func (r *Reassembler) Add(frame []byte) ([]byte, bool, error) {
	if len(frame) < fragHeaderSize {
		return nil, false, errors.New("mesh: fragment shorter than header")
	}
	var msgID [8]byte
	copy(msgID[:], frame[0:8])
	total := int(binary.BigEndian.Uint16(frame[8:10]))
	seq := frame[10]
	chunk := frame[11:]

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.sweepLocked(now)

	pm, ok := r.pending[msgID]
	if !ok {
		pm = &partialMessage{total: total, chunks: make(map[byte][]byte)}
		r.pending[msgID] = pm
	}
	pm.lastSeen = now
	if _, dup := pm.chunks[seq]; !dup {
		pm.chunks[seq] = chunk
		pm.received++
	}

	if pm.received < pm.total {
		return nil, false, nil
	}

	out := make([]byte, 0)
	for i := 0; i < pm.total; i++ {
		c, ok := pm.chunks[byte(i)]
		if !ok {
			return nil, false, errors.New("mesh: reassembly count mismatch")
		}
		out = append(out, c...)
	}
	delete(r.pending, msgID)
	return out, true, nil
}

func (r *Reassembler) sweepLocked(now time.Time) {
	for id, pm := range r.pending {
		if now.Sub(pm.lastSeen) > r.staleTimeout {
			delete(r.pending, id)
		}
	}
}
