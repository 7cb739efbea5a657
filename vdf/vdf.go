// Package vdf implements the sequential BLAKE3 hash-chain Verifiable Delay
// Function: one canonical proof per day number, with deterministic seed
// derivation and byte-for-byte verification.
package vdf

import (
	"context"
	"encoding/binary"

	"chorus.dev/conductor/cerr"
	"chorus.dev/conductor/cryptoutil"
)

// GenesisSeed and GenesisTimestamp are the network's fixed genesis
// constants.
const (
	GenesisSeed      = "chorus_mainnet_v1_genesis_20241023"
	GenesisTimestamp = int64(1729670400)
	SecondsPerDay    = int64(86400)
)

// CheckpointInterval is how often (in iterations) the compute loop checks
// its context for cancellation.
const CheckpointInterval = 1_000_000

// DaySeed derives the deterministic per-day seed: H(genesis_seed || day_be32).
func DaySeed(day uint32) [32]byte {
	var dayBE [4]byte
	binary.BigEndian.PutUint32(dayBE[:], day)
	return cryptoutil.HashConcat([]byte(GenesisSeed), dayBE[:])
}

// Compute runs the sequential hash chain for `iterations` steps over the
// day's seed, returning the final 32-byte state. It is cancellable at
// CheckpointInterval boundaries; a cancelled computation returns the
// context's error.
func Compute(ctx context.Context, day uint32, iterations uint64) ([32]byte, error) {
	state := DaySeed(day)
	for i := uint64(0); i < iterations; i++ {
		if i%CheckpointInterval == 0 {
			select {
			case <-ctx.Done():
				return [32]byte{}, ctx.Err()
			default:
			}
		}
		state = cryptoutil.Hash(state[:])
	}
	return state, nil
}

// Verify recomputes the VDF for day at the given iteration count and
// byte-compares against proof.
func Verify(ctx context.Context, day uint32, proof [32]byte, iterations uint64) (bool, error) {
	got, err := Compute(ctx, day, iterations)
	if err != nil {
		return false, err
	}
	return got == proof, nil
}

// MustVerify is Verify but turns a mismatch into a VdfComputation cerr,
// convenient for callers that already treat "not canonical" as an error.
func MustVerify(ctx context.Context, day uint32, proof [32]byte, iterations uint64) error {
	ok, err := Verify(ctx, day, proof, iterations)
	if err != nil {
		return cerr.Wrap(cerr.VdfComputation, "vdf verify cancelled", err)
	}
	if !ok {
		return cerr.Newf(cerr.VdfComputation, "vdf proof mismatch for day %d", day)
	}
	return nil
}
