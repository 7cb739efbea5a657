package node

import (
	"encoding/json"
	"fmt"

	"chorus.dev/conductor/cerr"
	"chorus.dev/conductor/cryptoutil"
	"chorus.dev/conductor/types"
)

// IngressError is the error shape the ingress surface returns: invalid
// input maps to precondition-failed, a missing object to not-found, a
// consensus failure to aborted, and anything else to internal. An
// external gRPC/REST frontend translates Status into its own wire
// error code.
type IngressError struct {
	Status string // "precondition-failed" | "not-found" | "aborted" | "internal"
	Err    error
}

func (e *IngressError) Error() string {
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

func (e *IngressError) Unwrap() error { return e.Err }

func mapIngressError(err error) error {
	if err == nil {
		return nil
	}
	kind, ok := cerr.Code(err)
	if !ok {
		return &IngressError{Status: "internal", Err: err}
	}
	switch kind {
	case cerr.PreconditionFailed, cerr.Configuration:
		return &IngressError{Status: "precondition-failed", Err: err}
	case cerr.NotFound:
		return &IngressError{Status: "not-found", Err: err}
	case cerr.ConsensusTimeout, cerr.InsufficientValidators, cerr.InsufficientShares,
		cerr.NetworkPartition, cerr.InvalidQuorumCert, cerr.InvalidSignature:
		return &IngressError{Status: "aborted", Err: err}
	default:
		return &IngressError{Status: "internal", Err: err}
	}
}

// SubmitEventBatch rejects an empty batch with a precondition error,
// otherwise hands the serialized batch to the epoch engine as this
// validator's proposal for epoch and returns the batch's
// content-addressed id.
func (n *Node) SubmitEventBatch(epoch uint64, events []types.Event) (batchID [32]byte, status string, err error) {
	if len(events) == 0 {
		return [32]byte{}, "rejected", mapIngressError(cerr.New(cerr.PreconditionFailed, "node: event batch must not be empty"))
	}
	batch := types.EventBatch{Epoch: epoch, Proposer: n.self, Events: events}
	serialized, jsonErr := json.Marshal(batch)
	if jsonErr != nil {
		return [32]byte{}, "rejected", mapIngressError(cerr.Wrap(cerr.Configuration, "node: serializing event batch", jsonErr))
	}
	batchID = cryptoutil.Hash(serialized)

	if proposeErr := n.epochE.Propose(epoch, serialized); proposeErr != nil {
		return batchID, "rejected", mapIngressError(proposeErr)
	}

	n.mu.Lock()
	n.batchStatus[batchID] = "pending"
	n.mu.Unlock()
	return batchID, "pending", nil
}

// GetDayProof returns the persisted proof for day, if any.
func (n *Node) GetDayProof(day uint32) (types.DayProof, error) {
	raw, ok, err := n.db.GetProof(day)
	if err != nil {
		return types.DayProof{}, mapIngressError(cerr.Wrap(cerr.Storage, "node: loading day proof", err))
	}
	if !ok {
		return types.DayProof{}, mapIngressError(cerr.Newf(cerr.NotFound, "node: no proof recorded for day %d", day))
	}
	var dp types.DayProof
	if err := json.Unmarshal(raw, &dp); err != nil {
		return types.DayProof{}, mapIngressError(cerr.Wrap(cerr.Storage, "node: decoding day proof", err))
	}
	return dp, nil
}

// GetBlock returns the committed block for epoch, if any.
func (n *Node) GetBlock(epoch uint64) (types.Block, error) {
	raw, ok, err := n.db.GetBlock(epoch)
	if err != nil {
		return types.Block{}, mapIngressError(cerr.Wrap(cerr.Storage, "node: loading block", err))
	}
	if !ok {
		return types.Block{}, mapIngressError(cerr.Newf(cerr.NotFound, "node: no committed block for epoch %d", epoch))
	}
	var block types.Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return types.Block{}, mapIngressError(cerr.Wrap(cerr.Storage, "node: decoding block", err))
	}
	return block, nil
}

// GetConsensusStatus reports a submitted batch's consensus status.
func (n *Node) GetConsensusStatus(batchID [32]byte) (string, error) {
	n.mu.Lock()
	status, ok := n.batchStatus[batchID]
	n.mu.Unlock()
	if !ok {
		return "", mapIngressError(cerr.New(cerr.NotFound, "node: unknown batch id"))
	}
	return status, nil
}
