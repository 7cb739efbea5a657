// Package validator implements validator-lifecycle bookkeeping:
// historical day-proof sync on startup, quorum-certificate-gated
// membership changes applied at their effective day, and blacklist vote
// accumulation with supermajority eviction.
package validator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"chorus.dev/conductor/cerr"
	"chorus.dev/conductor/cryptoutil"
	"chorus.dev/conductor/store"
	"chorus.dev/conductor/threshold"
	"chorus.dev/conductor/types"
)

// FetchHighestCanonicalDay queries peers for the highest day with an
// agreed canonical proof. ok is false if no peer answered.
type FetchHighestCanonicalDay func(ctx context.Context) (day uint32, ok bool, err error)

// FetchCanonicalProof queries peers for the canonical proof of day.
// ok is false on a gap (no peer has a proof for that day).
type FetchCanonicalProof func(ctx context.Context, day uint32) (proof types.DayProof, ok bool, err error)

// HistoricalSync rebuilds proof history on startup: walk backward from
// the highest canonical day fetching and persisting
// each proof until day 0 or a gap, then scan local storage for the
// highest contiguous local proof, and set current_day to
// max(highest_canonical, highest_local) + 1.
func HistoricalSync(ctx context.Context, db *store.DB, fetchHighest FetchHighestCanonicalDay, fetchProof FetchCanonicalProof) (uint32, error) {
	highestCanonical, haveCanonical, err := fetchHighest(ctx)
	if err != nil {
		return 0, err
	}

	if haveCanonical {
		day := highestCanonical
		for {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
			proof, found, err := fetchProof(ctx, day)
			if err != nil {
				return 0, err
			}
			if !found {
				break
			}
			serialized, err := json.Marshal(proof)
			if err != nil {
				return 0, cerr.Wrap(cerr.Storage, "validator: serializing synced proof", err)
			}
			if err := db.PutProof(day, serialized); err != nil {
				return 0, cerr.Wrap(cerr.Storage, "validator: persisting synced proof", err)
			}
			if day == 0 {
				break
			}
			day--
		}
	}

	highestLocal, haveLocal, err := db.HighestContiguousProofDay()
	if err != nil {
		return 0, err
	}

	var resume uint32
	switch {
	case haveCanonical && haveLocal:
		resume = max32(highestCanonical, highestLocal) + 1
	case haveCanonical:
		resume = highestCanonical + 1
	case haveLocal:
		resume = highestLocal + 1
	default:
		resume = 0
	}
	if err := db.SetCurrentDay(resume); err != nil {
		return 0, cerr.Wrap(cerr.Storage, "validator: persisting resumed current day", err)
	}
	return resume, nil
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

type pendingChange struct {
	change types.MembershipChange
	qc     types.QuorumCertWire
}

// Engine owns the active validator set and the blacklist, and applies
// both membership changes and blacklist evictions to it.
type Engine struct {
	mu             sync.Mutex
	active         map[cryptoutil.PublicKeyHex]struct{}
	blacklist      map[cryptoutil.PublicKeyHex]struct{}
	blacklistVotes map[cryptoutil.PublicKeyHex]map[cryptoutil.PublicKeyHex]struct{}
	pending        []pendingChange

	db *store.DB

	// OnEvict, if set, is invoked after a validator is moved from active
	// to blacklist, so callers (the epoch/RBC/coin engines) can discard
	// its pending consensus state.
	OnEvict func(target cryptoutil.PublicKeyHex)
}

// NewEngine constructs a validator Engine with the given initial active
// set. db may be nil for tests that don't need persistence.
func NewEngine(initial map[cryptoutil.PublicKeyHex]struct{}, db *store.DB) *Engine {
	active := make(map[cryptoutil.PublicKeyHex]struct{}, len(initial))
	for v := range initial {
		active[v] = struct{}{}
	}
	return &Engine{
		active:         active,
		blacklist:      make(map[cryptoutil.PublicKeyHex]struct{}),
		blacklistVotes: make(map[cryptoutil.PublicKeyHex]map[cryptoutil.PublicKeyHex]struct{}),
		db:             db,
	}
}

// ActiveSet returns a snapshot copy of the current active validator set.
func (e *Engine) ActiveSet() map[cryptoutil.PublicKeyHex]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[cryptoutil.PublicKeyHex]struct{}, len(e.active))
	for v := range e.active {
		out[v] = struct{}{}
	}
	return out
}

// IsBlacklisted reports whether id has been evicted to the blacklist.
func (e *Engine) IsBlacklisted(id cryptoutil.PublicKeyHex) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.blacklist[id]
	return ok
}

// Threshold returns the (n, f, t) quorum parameters for the current
// active set size.
func (e *Engine) Threshold() (n, f, t int) {
	e.mu.Lock()
	n = len(e.active)
	e.mu.Unlock()
	f = (n - 1) / 3
	t = 2*f + 1
	return n, f, t
}

func membershipChangeHash(ch types.MembershipChange) [32]byte {
	var dayBuf [4]byte
	binary.BigEndian.PutUint32(dayBuf[:], ch.EffectiveDay)
	return cryptoutil.HashConcat([]byte(ch.Kind), []byte(ch.ValidatorID), dayBuf[:])
}

// QueueMembershipChange verifies the quorum certificate authorizing
// change and, if valid, queues it to be applied once AdvanceDay reaches
// its EffectiveDay.
func (e *Engine) QueueMembershipChange(change types.MembershipChange, qcWire types.QuorumCertWire) error {
	hash := membershipChangeHash(change)
	qc := threshold.QuorumCertificate{Context: qcWire.Context, PayloadHash: qcWire.PayloadHash}
	if qc.PayloadHash != hash {
		return cerr.New(cerr.InvalidQuorumCert, "validator: membership change digest mismatch")
	}
	sigs := make(map[cryptoutil.PublicKeyHex][64]byte, len(qcWire.Signatures))
	for _, s := range qcWire.Signatures {
		sigs[s.Validator] = s.Signature
	}
	qc.Signatures = sigs

	e.mu.Lock()
	known := make(map[cryptoutil.PublicKeyHex]struct{}, len(e.active))
	for v := range e.active {
		known[v] = struct{}{}
	}
	n := len(e.active)
	e.mu.Unlock()
	f := (n - 1) / 3
	t := 2*f + 1

	if err := threshold.VerifyQuorumCertificate(qc, known, t); err != nil {
		return err
	}

	e.mu.Lock()
	e.pending = append(e.pending, pendingChange{change: change, qc: qcWire})
	e.mu.Unlock()
	return nil
}

// AdvanceDay applies every queued membership change whose EffectiveDay
// has arrived as of day. Additions are idempotent; removing an absent
// validator is a no-op.
func (e *Engine) AdvanceDay(day uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	remaining := e.pending[:0]
	for _, pc := range e.pending {
		if pc.change.EffectiveDay > day {
			remaining = append(remaining, pc)
			continue
		}
		switch pc.change.Kind {
		case types.MembershipAdd:
			e.active[pc.change.ValidatorID] = struct{}{}
		case types.MembershipRemove:
			delete(e.active, pc.change.ValidatorID)
		}
	}
	e.pending = remaining
	e.persistLocked()
}

func blacklistVoteMessage(epoch uint64, target cryptoutil.PublicKeyHex, reason string) []byte {
	return []byte(fmt.Sprintf("BLACKLIST_%d_%s_%s", epoch, target, reason))
}

// HandleBlacklistVote records voter's signed vote to blacklist target.
// Once ≥2f+1 distinct active voters have voted against target, it is
// moved from the active set to the blacklist and its accumulated votes
// are cleared; the caller is responsible for discarding the evicted
// validator's in-flight consensus state, driven by OnEvict. Past
// quorum-certificate contributions remain valid.
func (e *Engine) HandleBlacklistVote(vote types.BlacklistVote) (evicted bool, err error) {
	pub, err := vote.VoterID.Bytes()
	if err != nil {
		return false, cerr.Wrap(cerr.InvalidSignature, "validator: malformed voter key", err)
	}
	msg := blacklistVoteMessage(vote.Epoch, vote.TargetID, vote.Reason)
	if !cryptoutil.Verify(pub, msg, vote.Sig[:]) {
		return false, cerr.New(cerr.InvalidSignature, "validator: invalid blacklist vote signature")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, already := e.blacklist[vote.TargetID]; already {
		return false, nil
	}
	if _, known := e.active[vote.VoterID]; !known {
		return false, cerr.New(cerr.NotFound, "validator: blacklist vote from unknown validator")
	}

	voters, ok := e.blacklistVotes[vote.TargetID]
	if !ok {
		voters = make(map[cryptoutil.PublicKeyHex]struct{})
		e.blacklistVotes[vote.TargetID] = voters
	}
	voters[vote.VoterID] = struct{}{}

	n := len(e.active)
	f := (n - 1) / 3
	t := 2*f + 1
	if len(voters) < t {
		return false, nil
	}

	delete(e.active, vote.TargetID)
	e.blacklist[vote.TargetID] = struct{}{}
	delete(e.blacklistVotes, vote.TargetID)
	e.persistLocked()

	if e.OnEvict != nil {
		target := vote.TargetID
		go e.OnEvict(target)
	}
	return true, nil
}

func (e *Engine) persistLocked() {
	if e.db == nil {
		return
	}
	activeIDs := make([]string, 0, len(e.active))
	for v := range e.active {
		activeIDs = append(activeIDs, string(v))
	}
	sort.Strings(activeIDs)
	if serialized, err := json.Marshal(activeIDs); err == nil {
		_ = e.db.PutValidators(serialized)
	}

	blacklistIDs := make([]string, 0, len(e.blacklist))
	for v := range e.blacklist {
		blacklistIDs = append(blacklistIDs, string(v))
	}
	sort.Strings(blacklistIDs)
	if serialized, err := json.Marshal(blacklistIDs); err == nil {
		_ = e.db.PutBlacklist(serialized)
	}
}
