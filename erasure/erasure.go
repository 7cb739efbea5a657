// Package erasure implements k-of-n Reed-Solomon erasure coding for RBC
// fragment production and reconstruction, on top of
// klauspost/reedsolomon.
package erasure

import (
	"github.com/klauspost/reedsolomon"
)

// Encode splits data into n fragments such that any k of them reconstruct
// the original bytes. k is the reconstruction threshold, n the total
// fragment count (n - k of them are parity/redundancy shards).
func Encode(data []byte, k, n int) ([][]byte, error) {
	if k <= 0 || n <= 0 || k > n {
		return nil, errInvalidParams
	}
	enc, err := reedsolomon.New(k, n-k)
	if err != nil {
		return nil, err
	}
	shards, err := enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// Reconstruct rebuilds the original byte slice of length origLen from a
// set of fragments, some of which may be nil (missing/unverified). At
// least k non-nil fragments of the original n are required.
func Reconstruct(fragments [][]byte, k, n int, origLen int) ([]byte, error) {
	if k <= 0 || n <= 0 || k > n || len(fragments) != n {
		return nil, errInvalidParams
	}
	enc, err := reedsolomon.New(k, n-k)
	if err != nil {
		return nil, err
	}
	shards := make([][]byte, n)
	copy(shards, fragments)
	if err := enc.ReconstructData(shards); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, origLen)
	for i := 0; i < k && len(buf) < origLen; i++ {
		buf = append(buf, shards[i]...)
	}
	if len(buf) > origLen {
		buf = buf[:origLen]
	}
	if len(buf) != origLen {
		return nil, errReconstructShort
	}
	return buf, nil
}

type erasureError string

func (e erasureError) Error() string { return string(e) }

const (
	errInvalidParams   = erasureError("erasure: invalid k/n parameters")
	errReconstructShort = erasureError("erasure: reconstruction produced short output")
)
