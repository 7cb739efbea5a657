// Package coin implements the Common Coin: a shared random bit per
// (day, round) derived from threshold signature shares over
// "COIN_<day>_<round>".
package coin

import (
	"fmt"
	"sync"

	"chorus.dev/conductor/cerr"
	"chorus.dev/conductor/cryptoutil"
	"chorus.dev/conductor/threshold"
)

// Message builds the canonical string a validator signs for its coin
// share of (day, round): "COIN_<day>_<round>".
func Message(day, round uint32) []byte {
	return []byte(fmt.Sprintf("COIN_%d_%d", day, round))
}

type roundKey struct {
	day, round uint32
}

// Engine collects coin shares and derives the coin value once a threshold
// t of them is present. Because aggregation canonicalizes shares by index
// before hashing, every honest caller that has collected the same set of
// ≥t shares computes the same coin value regardless of arrival order.
type Engine struct {
	t int

	mu     sync.Mutex
	shares map[roundKey]map[cryptoutil.PublicKeyHex]threshold.SignatureShare
	values map[roundKey]byte
}

// NewEngine constructs a coin Engine requiring t shares to derive a value.
func NewEngine(t int) *Engine {
	return &Engine{
		t:      t,
		shares: make(map[roundKey]map[cryptoutil.PublicKeyHex]threshold.SignatureShare),
		values: make(map[roundKey]byte),
	}
}

// AddShare records validator's coin share for (day, round), verifying it
// against msg := Message(day, round) before accepting it. Returns the
// derived coin value and true once ≥t distinct, valid shares have been
// collected; subsequent calls for the same (day, round) return the
// already-derived value.
func (e *Engine) AddShare(day, round uint32, index uint16, validator cryptoutil.PublicKeyHex, sig [64]byte) (byte, bool, error) {
	pub, err := validator.Bytes()
	if err != nil {
		return 0, false, cerr.Wrap(cerr.InvalidSignature, "coin: malformed validator key", err)
	}
	msg := Message(day, round)
	if !cryptoutil.Verify(pub, msg, sig[:]) {
		return 0, false, cerr.New(cerr.InvalidSignature, "coin: invalid share signature")
	}

	key := roundKey{day, round}
	e.mu.Lock()
	defer e.mu.Unlock()

	if v, ok := e.values[key]; ok {
		return v, true, nil
	}
	set, ok := e.shares[key]
	if !ok {
		set = make(map[cryptoutil.PublicKeyHex]threshold.SignatureShare)
		e.shares[key] = set
	}
	set[validator] = threshold.SignatureShare{Index: index, Validator: validator, Signature: sig}
	if len(set) < e.t {
		return 0, false, nil
	}

	shares := make([]threshold.SignatureShare, 0, len(set))
	for _, s := range set {
		shares = append(shares, s)
	}
	agg := threshold.Aggregate(shares)
	digest := cryptoutil.HashConcat(aggregateBytes(agg)...)
	value := digest[len(digest)-1] & 1
	e.values[key] = value
	return value, true, nil
}

// Value returns the already-derived coin value for (day, round), if any.
func (e *Engine) Value(day, round uint32) (byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[roundKey{day, round}]
	return v, ok
}

func aggregateBytes(agg threshold.AggregatedSignature) [][]byte {
	out := make([][]byte, 0, len(agg.Shares)*2)
	for _, s := range agg.Shares {
		idx := []byte{byte(s.Index >> 8), byte(s.Index)}
		sig := make([]byte, len(s.Signature))
		copy(sig, s.Signature[:])
		out = append(out, idx, sig)
	}
	return out
}
