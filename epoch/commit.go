package epoch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"chorus.dev/conductor/cerr"
	"chorus.dev/conductor/cryptoutil"
	"chorus.dev/conductor/threshold"
	"chorus.dev/conductor/types"
)

// candidateBlock assembles the deterministic commit order for epoch from
// every proposer whose batch has reached RBC delivery and
// reconstruction. When a common-coin value is available for this
// epoch's day, proposals are ordered by H(coin_value ∥ proposer_id);
// otherwise the engine falls back to lexicographic order on
// (proposer_id, payload_hash) and reports the fallback via OnFallback,
// since that path means the coin protocol failed. block_digest is
// H(concat(ordered payload hashes)).
func (e *Engine) candidateBlock(epoch uint64) (types.Block, bool) {
	type entry struct {
		proposer cryptoutil.PublicKeyHex
		hash     [32]byte
	}

	e.mu.Lock()
	st := e.epochStateLocked(epoch)
	entries := make([]entry, 0, len(st.proposals))
	for proposer, rec := range st.proposals {
		if rec.rbcComplete && rec.reconstructed {
			entries = append(entries, entry{proposer, rec.payloadHash})
		}
	}
	e.mu.Unlock()

	if len(entries) == 0 {
		return types.Block{}, false
	}

	day := uint32(epoch)
	coinValue, haveCoin := e.coinE.Value(day, 0)

	if haveCoin {
		sort.Slice(entries, func(i, j int) bool {
			ki := cryptoutil.HashConcat([]byte{coinValue}, []byte(entries[i].proposer))
			kj := cryptoutil.HashConcat([]byte{coinValue}, []byte(entries[j].proposer))
			return bytes.Compare(ki[:], kj[:]) < 0
		})
	} else {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].proposer != entries[j].proposer {
				return entries[i].proposer < entries[j].proposer
			}
			return bytes.Compare(entries[i].hash[:], entries[j].hash[:]) < 0
		})
		if e.OnFallback != nil {
			e.OnFallback(epoch)
		}
	}

	proposers := make([]cryptoutil.PublicKeyHex, len(entries))
	hashes := make([][32]byte, len(entries))
	hashBytes := make([][]byte, len(entries))
	for i, en := range entries {
		proposers[i] = en.proposer
		hashes[i] = en.hash
		h := en.hash
		hashBytes[i] = h[:]
	}

	return types.Block{
		Epoch:            epoch,
		BlockDigest:      cryptoutil.HashConcat(hashBytes...),
		OrderedProposals: proposers,
		OrderedPayloads:  hashes,
		CoinValue:        coinValue,
	}, true
}

// ProposeCommit signs this validator's vote for the current candidate
// block of epoch and broadcasts it, seeding its own vote into the local
// tally.
func (e *Engine) ProposeCommit(epoch uint64) error {
	block, ok := e.candidateBlock(epoch)
	if !ok {
		return cerr.New(cerr.PreconditionFailed, "epoch: no reconstructed proposals available to commit")
	}
	sig := cryptoutil.Sign(e.priv, block.BlockDigest[:])
	var sigArr [64]byte
	copy(sigArr[:], sig)
	vote := types.CommitVote{Epoch: epoch, BlockDigest: block.BlockDigest, Voter: e.self, Sig: sigArr}
	e.ex.Broadcast(e.self, vote, true)
	return e.HandleCommitVote(vote)
}

// HandleCommitVote records a peer's commit vote. Once ≥t votes agree on
// the same block digest, it assembles a quorum certificate, broadcasts
// the resulting Commit, and finalizes it locally.
func (e *Engine) HandleCommitVote(vote types.CommitVote) error {
	pub, err := vote.Voter.Bytes()
	if err != nil {
		return cerr.Wrap(cerr.InvalidSignature, "epoch: malformed commit voter key", err)
	}
	if !cryptoutil.Verify(pub, vote.BlockDigest[:], vote.Sig[:]) {
		return cerr.New(cerr.InvalidSignature, "epoch: invalid commit vote signature")
	}

	e.mu.Lock()
	if _, done := e.committed[vote.Epoch]; done {
		e.mu.Unlock()
		return nil
	}
	st := e.epochStateLocked(vote.Epoch)
	st.commitVotes[vote.Voter] = vote

	var sigs map[cryptoutil.PublicKeyHex][64]byte
	matching := 0
	for _, cv := range st.commitVotes {
		if cv.BlockDigest == vote.BlockDigest {
			matching++
		}
	}
	if matching >= e.t {
		sigs = make(map[cryptoutil.PublicKeyHex][64]byte, matching)
		for v, cv := range st.commitVotes {
			if cv.BlockDigest == vote.BlockDigest {
				sigs[v] = cv.Sig
			}
		}
	}
	e.mu.Unlock()

	if sigs == nil {
		return nil
	}

	qc, err := threshold.BuildQuorumCertificate(fmt.Sprintf("epoch:%d", vote.Epoch), vote.BlockDigest, sigs, e.t)
	if err != nil {
		return nil // a late-arriving duplicate raced us below threshold; wait for more votes
	}
	block, ok := e.candidateBlock(vote.Epoch)
	if !ok || block.BlockDigest != vote.BlockDigest {
		return nil // our local ordering no longer agrees; wait for the broadcast Commit instead
	}
	block.QuorumCert = wireQC(qc)

	e.ex.Broadcast(e.self, types.Commit{Epoch: vote.Epoch, BlockDigest: block.BlockDigest, QuorumCert: block.QuorumCert}, true)
	return e.finalizeCommit(vote.Epoch, block)
}

// HandleCommit processes a peer-broadcast Commit: the quorum certificate
// is verified before anything is written. A digest that does not match this
// validator's own candidate ordering is fatal for the epoch: the engine
// refuses to advance and the caller is expected to retry the epoch.
func (e *Engine) HandleCommit(msg types.Commit) error {
	e.mu.Lock()
	_, done := e.committed[msg.Epoch]
	e.mu.Unlock()
	if done {
		return nil
	}

	qc := unwireQC(msg.QuorumCert)
	if qc.PayloadHash != msg.BlockDigest {
		return cerr.New(cerr.InvalidQuorumCert, "epoch: commit digest does not match quorum certificate payload")
	}
	if err := threshold.VerifyQuorumCertificate(qc, e.validators, e.t); err != nil {
		return err
	}

	block, ok := e.candidateBlock(msg.Epoch)
	if !ok || block.BlockDigest != msg.BlockDigest {
		return cerr.New(cerr.ConsensusTimeout, "epoch: commit-digest mismatch; refusing to advance this epoch")
	}
	block.QuorumCert = msg.QuorumCert
	return e.finalizeCommit(msg.Epoch, block)
}

// finalizeCommit durably persists block and invokes OnCommit exactly
// once, then releases the epoch's in-flight consensus state: ownership
// of that state belongs to this engine only until the epoch commits.
func (e *Engine) finalizeCommit(epoch uint64, block types.Block) error {
	e.mu.Lock()
	if _, done := e.committed[epoch]; done {
		e.mu.Unlock()
		return nil
	}
	e.committed[epoch] = struct{}{}
	e.committedBlocks[epoch] = block
	delete(e.epochs, epoch)
	e.mu.Unlock()

	if e.db != nil {
		serialized, err := json.Marshal(block)
		if err != nil {
			return cerr.Wrap(cerr.Storage, "epoch: serializing committed block", err)
		}
		if err := e.db.PutBlock(epoch, serialized); err != nil {
			return cerr.Wrap(cerr.Storage, "epoch: persisting committed block", err)
		}
	}
	if e.OnCommit != nil {
		e.OnCommit(block)
	}
	return nil
}

// CommittedBlock returns the finalized block for epoch, if any. Intended
// for tests and for callers that observe commits out of band from
// OnCommit.
func (e *Engine) CommittedBlock(epoch uint64) (types.Block, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	block, ok := e.committedBlocks[epoch]
	return block, ok
}

func wireQC(qc threshold.QuorumCertificate) types.QuorumCertWire {
	sigs := make([]types.QuorumSig, 0, len(qc.Signatures))
	for v, s := range qc.Signatures {
		sigs = append(sigs, types.QuorumSig{Validator: v, Signature: s})
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Validator < sigs[j].Validator })
	return types.QuorumCertWire{Context: qc.Context, PayloadHash: qc.PayloadHash, Signatures: sigs}
}

func unwireQC(w types.QuorumCertWire) threshold.QuorumCertificate {
	sigs := make(map[cryptoutil.PublicKeyHex][64]byte, len(w.Signatures))
	for _, s := range w.Signatures {
		sigs[s.Validator] = s.Signature
	}
	return threshold.QuorumCertificate{Context: w.Context, PayloadHash: w.PayloadHash, Signatures: sigs}
}
