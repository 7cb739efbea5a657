package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"chorus.dev/conductor/cerr"
	"chorus.dev/conductor/cryptoutil"
	"chorus.dev/conductor/dayproof"
	"chorus.dev/conductor/epoch"
	"chorus.dev/conductor/peer"
	"chorus.dev/conductor/store"
	"chorus.dev/conductor/types"
	"chorus.dev/conductor/validator"

	"golang.org/x/crypto/ed25519"
)

// Node wires the store, peer exchange, epoch-consensus engine,
// day-proof pipeline, and validator-lifecycle engine together for one
// validator, and drives them via a single-goroutine cooperative event
// loop reading from the peer inbox.
type Node struct {
	cfg  Config
	self cryptoutil.PublicKeyHex
	priv ed25519.PrivateKey

	db *store.DB
	ex peer.Exchange

	epochE *epoch.Engine
	dayE   *dayproof.Engine
	valE   *validator.Engine

	pool *workerPool
	log  *slog.Logger

	inbox <-chan peer.Message

	mu          sync.Mutex
	batchStatus map[[32]byte]string // batch_id -> pending/committed/rejected
}

// NewNode opens the store, runs historical day-proof sync, and wires
// every subsystem together. genesisValidators seeds the active set on a
// fresh node; on restart, the validator set persisted under the store's
// "validators" key takes precedence, so membership
// changes applied in prior runs survive a restart. fetchHighest/
// fetchProof may be nil if no peer-query capability is available yet, in
// which case sync degrades to a local-storage-only scan (resume =
// highest local proof + 1, or day 0 on a fresh node).
func NewNode(ctx context.Context, cfg Config, kp cryptoutil.KeyPair, genesisValidators map[cryptoutil.PublicKeyHex]struct{}, ex peer.Exchange, log *slog.Logger, fetchHighest validator.FetchHighestCanonicalDay, fetchProof validator.FetchCanonicalProof) (*Node, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, cerr.Wrap(cerr.Configuration, "node: invalid configuration", err)
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := store.Open(cfg.StoragePath)
	if err != nil {
		return nil, cerr.Wrap(cerr.Storage, "node: opening store", err)
	}

	validators, err := loadPersistedValidators(db, genesisValidators)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if fetchHighest == nil {
		fetchHighest = func(context.Context) (uint32, bool, error) { return 0, false, nil }
	}
	if fetchProof == nil {
		fetchProof = func(context.Context, uint32) (types.DayProof, bool, error) { return types.DayProof{}, false, nil }
	}
	startDay, err := validator.HistoricalSync(ctx, db, fetchHighest, fetchProof)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("historical sync complete", "resume_day", startDay)

	self := cryptoutil.NewPublicKeyHex(kp.Public)

	epochE, err := epoch.NewEngine(self, kp.Private, validators, ex, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dayE := dayproof.NewEngine(self, kp.Private, validators, ex, db, startDay, cfg.VdfIterations)
	dayE.AdjustmentIntervalDays = cfg.VdfAdjustmentIntervalDays
	valE := validator.NewEngine(validators, db)

	n := &Node{
		cfg: cfg, self: self, priv: kp.Private,
		db: db, ex: ex,
		epochE: epochE, dayE: dayE, valE: valE,
		pool:        newWorkerPool(0),
		log:         log,
		batchStatus: make(map[[32]byte]string),
	}

	epochE.OnCommit = n.onBlockCommitted
	epochE.OnFallback = func(epoch uint64) {
		n.log.Warn("epoch committed via lexicographic fallback, not the common coin", "epoch", epoch)
	}
	dayE.IsBlacklisted = valE.IsBlacklisted
	valE.OnEvict = func(target cryptoutil.PublicKeyHex) {
		n.log.Warn("validator evicted to blacklist", "validator", target.String())
	}

	n.inbox = ex.Join(self)
	return n, nil
}

// loadPersistedValidators returns the validator set stored under the
// store's "validators" key, falling back to genesis on a fresh node with
// no prior persisted set.
func loadPersistedValidators(db *store.DB, genesis map[cryptoutil.PublicKeyHex]struct{}) (map[cryptoutil.PublicKeyHex]struct{}, error) {
	raw, ok, err := db.GetValidators()
	if err != nil {
		return nil, cerr.Wrap(cerr.Storage, "node: loading persisted validator set", err)
	}
	if !ok {
		return genesis, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, cerr.Wrap(cerr.Storage, "node: decoding persisted validator set", err)
	}
	out := make(map[cryptoutil.PublicKeyHex]struct{}, len(ids))
	for _, id := range ids {
		out[cryptoutil.PublicKeyHex(id)] = struct{}{}
	}
	return out, nil
}

// Close releases the node's store handle and leaves the peer exchange.
func (n *Node) Close() error {
	n.ex.Leave(n.self)
	return n.db.Close()
}

func (n *Node) onBlockCommitted(block types.Block) {
	n.mu.Lock()
	for _, h := range block.OrderedPayloads {
		n.batchStatus[h] = "committed"
	}
	n.mu.Unlock()
	n.log.Info("block committed", "epoch", block.Epoch, "digest", fmt.Sprintf("%x", block.BlockDigest), "proposals", len(block.OrderedProposals))
}

// Run is the cooperative event loop: it reads peer messages one at a
// time and dispatches each to the owning engine, until ctx is canceled
// or the inbox closes. Cryptographic rejections are dropped at the
// handler level and never surfaced; only storage failures propagate out
// of Run, since the node halts rather than diverge.
func (n *Node) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-n.inbox:
			if !ok {
				return nil
			}
			if err := n.dispatch(msg); err != nil {
				if cerr.Is(err, cerr.Storage) {
					return err
				}
				n.log.Debug("dropped inbound message", "from", msg.From.String(), "err", err)
			}
		}
	}
}

func (n *Node) dispatch(msg peer.Message) error {
	switch m := msg.Payload.(type) {
	case types.RBCPropose:
		return n.epochE.HandlePropose(m)
	case types.Ready:
		return n.epochE.HandleReady(m)
	case types.EncShare:
		return n.epochE.HandleEncShare(msg.From, m)
	case types.CoinShare:
		return n.epochE.HandleCoinShare(m)
	case types.CommitVote:
		return n.epochE.HandleCommitVote(m)
	case types.Commit:
		return n.epochE.HandleCommit(m)
	case types.DayProof:
		return n.dayE.HandlePeerProof(m)
	case types.VdfCompletionTime:
		n.dayE.HandleCompletionTime(m)
		return nil
	case types.BlacklistVote:
		_, err := n.valE.HandleBlacklistVote(m)
		return err
	case types.MembershipChangeMessage:
		return n.valE.QueueMembershipChange(m.Update, m.QuorumCert)
	default:
		return cerr.Newf(cerr.Configuration, "node: unrecognized message type %T", m)
	}
}

// computeAndPublish dispatches VDF computation to the worker pool so it
// never blocks the event loop goroutine.
func (n *Node) computeAndPublish(ctx context.Context, day uint32) (types.DayProof, error) {
	type outcome struct {
		dp  types.DayProof
		err error
	}
	ch := make(chan outcome, 1)
	n.pool.submit(func() {
		dp, err := n.dayE.ComputeAndPublish(ctx, day)
		ch <- outcome{dp, err}
	})
	select {
	case r := <-ch:
		return r.dp, r.err
	case <-ctx.Done():
		return types.DayProof{}, ctx.Err()
	}
}

// RunDayLoop drives the day-proof pipeline: compute, collect for
// CollectionTimeout, canonicalize, and advance or retry, applying due
// membership changes on every advance and recomputing difficulty on
// every advance that completes an adjustment interval.
// Retries use exponential backoff (base 1s, cap 60s, ±10% jitter).
func (n *Node) RunDayLoop(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		day := n.dayE.CurrentDay()

		if _, err := n.computeAndPublish(ctx, day); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.log.Error("vdf computation failed", "day", day, "err", err)
			if !n.retryAfter(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}

		select {
		case <-time.After(n.dayE.CollectionTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}

		if _, ok := n.dayE.Canonicalize(day); !ok {
			n.log.Warn("day proof below canonicalization threshold; retrying", "day", day)
			if !n.retryAfter(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}

		advanced, err := n.dayE.AdvanceOrRetry(day)
		if err != nil {
			n.log.Error("advancing current day failed; halting", "day", day, "err", err)
			return err
		}
		if !advanced {
			n.log.Info("local proof diverged from canonical; retrying day", "day", day)
			if !n.retryAfter(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}

		backoff = time.Second
		next := day + 1
		n.dayE.AdjustDifficulty(next)
		n.valE.AdvanceDay(next)
		n.log.Info("day advanced", "day", next)
	}
}

// RunEpochLoop drives this validator's side of epoch commits: on every
// tick it proposes a commit vote for each epoch that holds reconstructed
// proposals but no committed block yet. Commit votes are keyed by voter,
// so re-proposing with an updated ordering replaces the stale vote until
// 2f+1 validators converge on one digest.
func (n *Node) RunEpochLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, ep := range n.epochE.PendingEpochs() {
				if err := n.epochE.ProposeCommit(ep); err != nil && !cerr.Is(err, cerr.PreconditionFailed) {
					n.log.Debug("commit vote not yet possible", "epoch", ep, "err", err)
				}
			}
		}
	}
}

func (n *Node) retryAfter(ctx context.Context, backoff *time.Duration) bool {
	wait := *backoff
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(wait))
	select {
	case <-time.After(wait + jitter):
	case <-ctx.Done():
		return false
	}
	*backoff *= 2
	if *backoff > 60*time.Second {
		*backoff = 60 * time.Second
	}
	return true
}
