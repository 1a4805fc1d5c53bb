package zcrypto

// Secret is an owned byte buffer that must be wiped when no longer
// needed. MasterSeed and an identity's derived secrets (zk-identity,
// wallet master, DAO member id) are Secrets per spec.md §3's ownership
// rules ("zeroized on drop"); UHP session and app-MAC keys are held as
// plain byte slices and hashes, not Secrets.
type Secret struct {
	b []byte
}

// NewSecret takes ownership of b (the caller must not retain a reference
// to b after calling NewSecret).
func NewSecret(b []byte) *Secret {
	return &Secret{b: b}
}

// Bytes returns the underlying buffer. The returned slice aliases the
// secret's storage; callers must not retain it past Zero().
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Len returns the secret length.
func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	return len(s.b)
}

// Zero overwrites the secret's storage with zeros. Safe to call multiple
// times and on a nil receiver.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
}

// Clone returns an independently-owned copy.
func (s *Secret) Clone() *Secret {
	if s == nil {
		return nil
	}
	cp := make([]byte, len(s.b))
	copy(cp, s.b)
	return &Secret{b: cp}
}
