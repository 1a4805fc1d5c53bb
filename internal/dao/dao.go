// Package dao implements the DAO proposal/vote state machine and the
// validator stake/slashing registry of spec.md §4.10: weighted voting
// with one-vote-per-(voter, proposal) enforcement, per-kind quorum and
// threshold rules, stake-percentage slashing with a severe-slash
// Jailed transition, and the Byzantine threshold / validator-count
// gating consensus progress depends on.
//
// Grounded on validator_manager.rs's ValidatorManager (stake/voting
// power bookkeeping, get_byzantine_threshold, has_sufficient_validators,
// slash_validator, new_with_development_mode — "HashMap iteration order
// is non-deterministic, so we must sort!" motivates the sorted iteration
// used wherever this package ranges over validators for a deterministic
// outcome) and dao_tests.rs's proposal-lifecycle expectations (quorum,
// weighted tally, one-vote enforcement).
package dao

import (
	"errors"
	"sort"
	"sync"

	"github.com/zhtp-network/zhtp/internal/chain"
	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

// ProposalKind tags a DAO proposal, per spec.md §4.10.
type ProposalKind int

const (
	ProtocolUpgrade ProposalKind = iota
	TreasuryAllocation
	ValidatorAdmit
	ValidatorEvict
	ParameterChange
)

// ProposalState is a proposal's position in the Active → {Approved,
// Rejected, Expired}; Approved → Executed state machine.
type ProposalState int

const (
	StateActive ProposalState = iota
	StateApproved
	StateRejected
	StateExpired
	StateExecuted
)

// TreasuryProposerMinPower is the minimum voting power a proposer must
// hold to submit a TreasuryAllocation proposal, per spec.md §4.10.
const TreasuryProposerMinPower uint64 = 100

// QuorumPctTreasuryOrProtocol is the quorum fraction (of total voting
// power) treasury/protocol proposals require; other kinds need only a
// simple majority of votes cast.
const QuorumPctTreasuryOrProtocol = 0.20

// SevereSlashThresholdPct is the cumulative-slashed-percentage past
// which a validator is transitioned to Jailed, per spec.md §4.10.
const SevereSlashThresholdPct = 50

// MinActiveValidatorsProduction and MinActiveValidatorsDevelopment gate
// consensus progress, per spec.md §4.10.
const (
	MinActiveValidatorsProduction  = 4
	MinActiveValidatorsDevelopment = 1
)

var (
	ErrInsufficientProposerPower = errors.New("dao: proposer voting power below treasury proposal minimum")
	ErrAlreadyVoted              = errors.New("dao: voter has already voted on this proposal")
	ErrProposalNotActive         = errors.New("dao: proposal is not active")
	ErrProposalNotFound          = errors.New("dao: proposal not found")
	ErrValidatorNotFound         = errors.New("dao: validator not found")
	ErrValidatorJailed           = errors.New("dao: validator is jailed")
	ErrCertificateRequired       = errors.New("dao: slash reason requires a quorate, verified validator certificate")
)

// Proposal is one DAO governance item.
type Proposal struct {
	ID          [32]byte
	Kind        ProposalKind
	ProposerDID identity.DID
	State       ProposalState

	mu    sync.Mutex
	votes map[identity.DID]bool // true = approve, false = reject
}

func quorumRequired(kind ProposalKind) bool {
	return kind == TreasuryAllocation || kind == ProtocolUpgrade
}

// Tally computes p's current weighted approve/reject totals using
// votingPowerFor to weigh each ballot.
func (p *Proposal) Tally(votingPowerFor func(identity.DID) uint64) (approveWeight, rejectWeight uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for voter, approve := range p.votes {
		w := votingPowerFor(voter)
		if approve {
			approveWeight += w
		} else {
			rejectWeight += w
		}
	}
	return
}

// Governance holds the active proposal set and the voting-power lookup
// used for quorum/weight computation.
type Governance struct {
	mu             sync.Mutex
	proposals      map[[32]byte]*Proposal
	votingPowerFor func(identity.DID) uint64
	totalPower     func() uint64
}

func NewGovernance(votingPowerFor func(identity.DID) uint64, totalPower func() uint64) *Governance {
	return &Governance{
		proposals:      make(map[[32]byte]*Proposal),
		votingPowerFor: votingPowerFor,
		totalPower:     totalPower,
	}
}

// Submit creates a new Active proposal. Treasury proposals require the
// proposer to hold at least TreasuryProposerMinPower voting power.
func (g *Governance) Submit(id [32]byte, kind ProposalKind, proposer identity.DID) (*Proposal, error) {
	if kind == TreasuryAllocation && g.votingPowerFor(proposer) < TreasuryProposerMinPower {
		return nil, ErrInsufficientProposerPower
	}
	p := &Proposal{
		ID:          id,
		Kind:        kind,
		ProposerDID: proposer,
		State:       StateActive,
		votes:       make(map[identity.DID]bool),
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.proposals[id] = p
	return p, nil
}

// Get returns a proposal by id.
func (g *Governance) Get(id [32]byte) (*Proposal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return p, nil
}

// CastVote records voter's weighted vote on proposalID, enforcing the
// one-vote-per-(voter, proposal) rule via the proposal's own vote map.
func (g *Governance) CastVote(proposalID [32]byte, voter identity.DID, approve bool) error {
	p, err := g.Get(proposalID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State != StateActive {
		return ErrProposalNotActive
	}
	if _, voted := p.votes[voter]; voted {
		return ErrAlreadyVoted
	}
	p.votes[voter] = approve
	return nil
}

// ProcessExpired tallies votes on proposalID and transitions it to
// Approved or Rejected, per spec.md §4.10's quorum rules: treasury/
// protocol proposals require 20% of total voting power to have
// participated, else the proposal expires without a majority verdict;
// all other kinds need only a simple majority of votes actually cast.
func (g *Governance) ProcessExpired(proposalID [32]byte) error {
	p, err := g.Get(proposalID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State != StateActive {
		return ErrProposalNotActive
	}

	var approveWeight, rejectWeight, participated uint64
	for voter, approve := range p.votes {
		w := g.votingPowerFor(voter)
		participated += w
		if approve {
			approveWeight += w
		} else {
			rejectWeight += w
		}
	}

	if quorumRequired(p.Kind) {
		total := g.totalPower()
		if total == 0 || float64(participated)/float64(total) < QuorumPctTreasuryOrProtocol {
			p.State = StateExpired
			return nil
		}
	}

	if approveWeight > rejectWeight {
		p.State = StateApproved
	} else {
		p.State = StateRejected
	}
	return nil
}

// Execute transitions an Approved proposal to Executed.
func (g *Governance) Execute(proposalID [32]byte) error {
	p, err := g.Get(proposalID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State != StateApproved {
		return ErrProposalNotActive
	}
	p.State = StateExecuted
	return nil
}

// ValidatorStatus is a validator's standing in the registry.
type ValidatorStatus int

const (
	ValidatorActive ValidatorStatus = iota
	ValidatorJailed
)

// ValidatorRecord tracks one validator's stake, derived voting power,
// and cumulative slashed percentage.
type ValidatorRecord struct {
	DID                  identity.DID
	Stake                uint64
	VotingPower          uint64
	CumulativeSlashedPct uint64
	Status               ValidatorStatus
}

// Registry is the validator stake/voting-power ledger backing quorum
// and Byzantine-threshold computation. DevelopmentMode relaxes the
// minimum active validator count from 4 to 1, per spec.md §4.10.
type Registry struct {
	mu              sync.Mutex
	validators      map[identity.DID]*ValidatorRecord
	totalPower      uint64
	DevelopmentMode bool

	witnessPubKey func(identity.DID) (*zcrypto.DilithiumPublicKey, bool)
}

func NewRegistry(developmentMode bool) *Registry {
	return &Registry{
		validators:      make(map[identity.DID]*ValidatorRecord),
		DevelopmentMode: developmentMode,
	}
}

// SetWitnessKeyLookup attaches the DID-to-Dilithium-public-key resolver
// Slash uses to verify a DoubleSign certificate's witness attestations.
// Optional; while the lookup is nil (the default), Slash rejects all
// DoubleSign evidence with ErrCertificateRequired — callers that slash for
// DoubleSign must set this before calling Slash.
func (r *Registry) SetWitnessKeyLookup(lookup func(identity.DID) (*zcrypto.DilithiumPublicKey, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.witnessPubKey = lookup
}

// Admit registers a validator with the given initial stake; voting
// power starts equal to stake.
func (r *Registry) Admit(did identity.DID, stake uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.validators[did]; ok {
		r.totalPower -= existing.VotingPower
	}
	rec := &ValidatorRecord{DID: did, Stake: stake, VotingPower: stake, Status: ValidatorActive}
	r.validators[did] = rec
	r.totalPower += rec.VotingPower
}

// Evict removes a validator from the registry entirely (spec.md
// §4.10's ValidatorEvict proposal outcome).
func (r *Registry) Evict(did identity.DID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.validators[did]; ok {
		r.totalPower -= rec.VotingPower
		delete(r.validators, did)
	}
}

// VotingPower returns did's current voting power, or 0 if unknown or
// jailed (a jailed validator's stake remains on record but carries no
// vote, matching its exclusion from consensus progress).
func (r *Registry) VotingPower(did identity.DID) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.validators[did]
	if !ok || rec.Status == ValidatorJailed {
		return 0
	}
	return rec.VotingPower
}

// TotalVotingPower returns the registry-wide sum of active validators'
// voting power.
func (r *Registry) TotalVotingPower() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total uint64
	for _, rec := range r.validators {
		if rec.Status == ValidatorActive {
			total += rec.VotingPower
		}
	}
	return total
}

// ActiveValidatorCount returns the number of non-jailed validators.
func (r *Registry) ActiveValidatorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.validators {
		if rec.Status == ValidatorActive {
			n++
		}
	}
	return n
}

// HasSufficientValidators reports whether ActiveValidatorCount meets
// the production (4) or development-mode (1) minimum, per spec.md
// §4.10.
func (r *Registry) HasSufficientValidators() bool {
	min := MinActiveValidatorsProduction
	if r.DevelopmentMode {
		min = MinActiveValidatorsDevelopment
	}
	return r.ActiveValidatorCount() >= min
}

// ByzantineThreshold computes bft_threshold = (2 * total_voting_power)/3 + 1,
// per spec.md §4.10. Consensus requires at least this much cumulative
// voting power to agree before progressing.
func (r *Registry) ByzantineThreshold() uint64 {
	total := r.TotalVotingPower()
	return (2*total)/3 + 1
}

// MeetsByzantineThreshold reports whether votingPower reaches the
// current Byzantine threshold.
func (r *Registry) MeetsByzantineThreshold(votingPower uint64) bool {
	return votingPower >= r.ByzantineThreshold()
}

// Slash reduces validator's stake by pct percent, recomputes its voting
// power, and atomically updates total voting power, per spec.md
// §4.10. Cumulative slashed percentage beyond SevereSlashThresholdPct
// transitions the validator to Jailed. pct is expressed 0-100.
//
// Reasons for which evidence.RequiresCertificate() is true (DoubleSign)
// must carry a quorate certificate whose witness attestations verify
// against SetWitnessKeyLookup; a single accuser is not sufficient
// evidence, per chain.ValidatorCertificate's doc comment.
func (r *Registry) Slash(evidence chain.SlashEvidence, pct uint64) error {
	if evidence.RequiresCertificate() {
		if evidence.Certificate == nil || !evidence.Certificate.Quorate() {
			return ErrCertificateRequired
		}
		r.mu.Lock()
		lookup := r.witnessPubKey
		r.mu.Unlock()
		if lookup == nil {
			return ErrCertificateRequired
		}
		if err := evidence.Certificate.Verify(lookup); err != nil {
			return ErrCertificateRequired
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.validators[evidence.ValidatorDID]
	if !ok {
		return ErrValidatorNotFound
	}
	if rec.Status == ValidatorJailed {
		return ErrValidatorJailed
	}

	reduction := rec.Stake * pct / 100
	r.totalPower -= rec.VotingPower
	rec.Stake -= reduction
	rec.VotingPower = rec.Stake
	rec.CumulativeSlashedPct += pct
	r.totalPower += rec.VotingPower

	if rec.CumulativeSlashedPct > SevereSlashThresholdPct {
		rec.Status = ValidatorJailed
	}
	return nil
}

// SortedActiveDIDs returns the DIDs of active validators in sorted
// order, for deterministic iteration (e.g. round-robin proposer
// selection elsewhere) — unordered map iteration is not safe for
// consensus-relevant decisions.
func (r *Registry) SortedActiveDIDs() []identity.DID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]identity.DID, 0, len(r.validators))
	for did, rec := range r.validators {
		if rec.Status == ValidatorActive {
			out = append(out, did)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
