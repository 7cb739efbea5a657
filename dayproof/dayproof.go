// Package dayproof implements the per-day VDF proof pipeline: compute,
// sign, persist, advertise, collect peer proofs under a time bound,
// canonicalize by supermajority agreement, assemble the day's quorum
// certificate, and advance (or retry) current_day.
package dayproof

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"chorus.dev/conductor/cerr"
	"chorus.dev/conductor/cryptoutil"
	"chorus.dev/conductor/peer"
	"chorus.dev/conductor/store"
	"chorus.dev/conductor/threshold"
	"chorus.dev/conductor/types"
	"chorus.dev/conductor/vdf"

	"golang.org/x/crypto/ed25519"
)

// DefaultCollectionTimeout bounds how long a validator waits to collect
// peer proofs for a day before canonicalizing with whatever it has.
const DefaultCollectionTimeout = 120 * time.Second

// DefaultAdjustmentIntervalDays is how often Iterations is recomputed
// from observed completion times.
const DefaultAdjustmentIntervalDays = 30

type dayRecord struct {
	proofs    map[cryptoutil.PublicKeyHex]types.DayProof
	canonical *types.DayProof
}

// Engine runs the day-proof pipeline for one validator.
type Engine struct {
	self       cryptoutil.PublicKeyHex
	priv       ed25519.PrivateKey
	validators map[cryptoutil.PublicKeyHex]struct{}
	n, f, t    int

	ex peer.Exchange
	db *store.DB

	// Iterations is the current VDF difficulty, mutated by
	// AdjustDifficulty every AdjustmentIntervalDays.
	Iterations             uint64
	AdjustmentIntervalDays uint32
	CollectionTimeout      time.Duration

	// IsBlacklisted, if set, gates HandlePeerProof against the active
	// blacklist maintained by the validator package.
	IsBlacklisted func(cryptoutil.PublicKeyHex) bool

	mu          sync.Mutex
	currentDay  uint32
	days        map[uint32]*dayRecord
	completions map[uint32][]float64 // kept across day advances, for difficulty adjustment

	// OnAdvance, if set, is invoked after current_day advances past day.
	OnAdvance func(day uint32, proof types.DayProof)
}

// NewEngine constructs a dayproof Engine starting at startDay with the
// given initial VDF iteration count.
func NewEngine(self cryptoutil.PublicKeyHex, priv ed25519.PrivateKey, validators map[cryptoutil.PublicKeyHex]struct{}, ex peer.Exchange, db *store.DB, startDay uint32, iterations uint64) *Engine {
	n := len(validators)
	f := (n - 1) / 3
	t := 2*f + 1
	return &Engine{
		self: self, priv: priv, validators: validators,
		n: n, f: f, t: t,
		ex: ex, db: db,
		Iterations:             iterations,
		AdjustmentIntervalDays: DefaultAdjustmentIntervalDays,
		CollectionTimeout:      DefaultCollectionTimeout,
		currentDay:             startDay,
		days:                   make(map[uint32]*dayRecord),
		completions:            make(map[uint32][]float64),
	}
}

func (e *Engine) dayRecordLocked(day uint32) *dayRecord {
	rec, ok := e.days[day]
	if !ok {
		rec = &dayRecord{proofs: make(map[cryptoutil.PublicKeyHex]types.DayProof)}
		e.days[day] = rec
	}
	return rec
}

// ComputeAndPublish runs the VDF for day: computes
// the proof, records wall-clock completion time, signs it, persists it
// locally, and advertises both the proof and the completion time to peers.
func (e *Engine) ComputeAndPublish(ctx context.Context, day uint32) (types.DayProof, error) {
	start := time.Now()
	proof, err := vdf.Compute(ctx, day, e.Iterations)
	if err != nil {
		return types.DayProof{}, err
	}
	elapsed := time.Since(start).Seconds()

	sig := cryptoutil.Sign(e.priv, proof[:])
	var sigArr [64]byte
	copy(sigArr[:], sig)
	dp := types.DayProof{Day: day, Proof: proof, ValidatorID: e.self, Signature: sigArr}

	if e.db != nil {
		if err := e.persistProof(day, dp); err != nil {
			return dp, err
		}
	}

	e.mu.Lock()
	rec := e.dayRecordLocked(day)
	rec.proofs[e.self] = dp
	e.completions[day] = append(e.completions[day], elapsed)
	e.mu.Unlock()

	e.ex.Broadcast(e.self, dp, false)
	e.ex.Broadcast(e.self, types.VdfCompletionTime{Day: day, Validator: e.self, Seconds: elapsed}, false)
	return dp, nil
}

func (e *Engine) persistProof(day uint32, dp types.DayProof) error {
	serialized, err := json.Marshal(dp)
	if err != nil {
		return cerr.Wrap(cerr.Storage, "dayproof: serializing proof", err)
	}
	if err := e.db.PutProof(day, serialized); err != nil {
		return cerr.Wrap(cerr.Storage, "dayproof: persisting proof", err)
	}
	return nil
}

// HandlePeerProof records a peer's DayProof for day, verifying its
// signature and rejecting proofs from unknown validators. A blacklisted
// validator's proof is silently dropped, not treated as an error.
func (e *Engine) HandlePeerProof(dp types.DayProof) error {
	if _, known := e.validators[dp.ValidatorID]; !known {
		return cerr.New(cerr.NotFound, "dayproof: unknown validator")
	}
	if e.IsBlacklisted != nil && e.IsBlacklisted(dp.ValidatorID) {
		return nil
	}
	pub, err := dp.ValidatorID.Bytes()
	if err != nil {
		return cerr.Wrap(cerr.InvalidSignature, "dayproof: malformed validator key", err)
	}
	if !cryptoutil.Verify(pub, dp.Proof[:], dp.Signature[:]) {
		return cerr.New(cerr.InvalidSignature, "dayproof: invalid proof signature")
	}

	e.mu.Lock()
	rec := e.dayRecordLocked(dp.Day)
	rec.proofs[dp.ValidatorID] = dp
	e.mu.Unlock()
	return nil
}

// HandleCompletionTime records a peer's reported VDF wall-clock time,
// feeding the next difficulty adjustment's median.
func (e *Engine) HandleCompletionTime(msg types.VdfCompletionTime) {
	e.mu.Lock()
	e.completions[msg.Day] = append(e.completions[msg.Day], msg.Seconds)
	e.mu.Unlock()
}

// Canonicalize applies the supermajority rule for day:
// if ≥t collected proofs agree byte-for-byte on the VDF output, each
// carrying a valid signature from a distinct validator, that value is
// canonical. A quorum certificate is assembled from the agreeing
// signatures and the canonical proof is broadcast as a critical message.
func (e *Engine) Canonicalize(day uint32) (types.DayProof, bool) {
	e.mu.Lock()
	rec := e.dayRecordLocked(day)
	if rec.canonical != nil {
		out := *rec.canonical
		e.mu.Unlock()
		return out, true
	}
	byValue := make(map[[32]byte][]types.DayProof)
	for _, dp := range rec.proofs {
		byValue[dp.Proof] = append(byValue[dp.Proof], dp)
	}
	e.mu.Unlock()

	var winner [32]byte
	var winners []types.DayProof
	for value, dps := range byValue {
		if len(dps) >= e.t && len(dps) > len(winners) {
			winner = value
			winners = dps
		}
	}
	if winners == nil {
		return types.DayProof{}, false
	}

	sigs := make(map[cryptoutil.PublicKeyHex][64]byte, len(winners))
	for _, dp := range winners {
		sigs[dp.ValidatorID] = dp.Signature
	}
	qc, err := threshold.BuildQuorumCertificate(fmt.Sprintf("day:%d", day), winner, sigs, e.t)
	if err != nil {
		return types.DayProof{}, false
	}

	// The canonical proof keeps a real producer's id and signature so
	// that anything persisted or re-served later still verifies as a
	// signed DayProof; pick the lowest validator id so every honest
	// node settles on the same envelope.
	sort.Slice(winners, func(i, j int) bool { return winners[i].ValidatorID < winners[j].ValidatorID })
	wire := wireQC(qc)
	canonical := winners[0]
	canonical.QuorumCert = &wire

	e.mu.Lock()
	rec2 := e.dayRecordLocked(day)
	rec2.canonical = &canonical
	e.mu.Unlock()

	e.ex.Broadcast(e.self, canonical, true)
	return canonical, true
}

// AdvanceOrRetry advances current_day when this validator's own proof
// for day matches the canonical value, persisting the canonical,
// quorum-certified proof; otherwise the day is retried (current_day
// does not advance, so a day is never passed without a canonical
// proof).
func (e *Engine) AdvanceOrRetry(day uint32) (advanced bool, err error) {
	e.mu.Lock()
	rec, ok := e.days[day]
	var local types.DayProof
	var haveLocal bool
	var canonical *types.DayProof
	if ok {
		local, haveLocal = rec.proofs[e.self]
		canonical = rec.canonical
	}
	e.mu.Unlock()

	if canonical == nil {
		return false, nil
	}
	if !haveLocal || local.Proof != canonical.Proof {
		return false, nil
	}

	final := *canonical
	if e.db != nil {
		serialized, err := json.Marshal(final)
		if err != nil {
			return false, cerr.Wrap(cerr.Storage, "dayproof: serializing canonical proof", err)
		}
		if err := e.db.PutProof(day, serialized); err != nil {
			return false, cerr.Wrap(cerr.Storage, "dayproof: persisting canonical proof", err)
		}
		if err := e.db.SetCurrentDay(day + 1); err != nil {
			return false, cerr.Wrap(cerr.Storage, "dayproof: advancing current day", err)
		}
	}

	e.mu.Lock()
	e.currentDay = day + 1
	delete(e.days, day)
	e.mu.Unlock()

	if e.OnAdvance != nil {
		e.OnAdvance(day, final)
	}
	return true, nil
}

// CurrentDay returns the last-advanced-to day.
func (e *Engine) CurrentDay() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentDay
}

// AdjustDifficulty recomputes Iterations from the observed completion
// times of the AdjustmentIntervalDays days immediately preceding
// throughDay. It acts only when throughDay is a positive multiple of
// AdjustmentIntervalDays, and is a no-op if no samples were recorded.
func (e *Engine) AdjustDifficulty(throughDay uint32) {
	if e.AdjustmentIntervalDays == 0 || throughDay < e.AdjustmentIntervalDays || throughDay%e.AdjustmentIntervalDays != 0 {
		return
	}
	e.mu.Lock()
	var samples []float64
	for d := throughDay - e.AdjustmentIntervalDays; d < throughDay; d++ {
		samples = append(samples, e.completions[d]...)
	}
	current := e.Iterations
	e.mu.Unlock()

	next := vdf.AdjustIterations(current, samples, vdf.DefaultTargetSeconds)

	e.mu.Lock()
	e.Iterations = next
	e.mu.Unlock()
}

func wireQC(qc threshold.QuorumCertificate) types.QuorumCertWire {
	sigs := make([]types.QuorumSig, 0, len(qc.Signatures))
	for v, s := range qc.Signatures {
		sigs = append(sigs, types.QuorumSig{Validator: v, Signature: s})
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Validator < sigs[j].Validator })
	return types.QuorumCertWire{Context: qc.Context, PayloadHash: qc.PayloadHash, Signatures: sigs}
}
