package merkle

import "testing"

func leaves(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte(i), byte(i * 7)}
	}
	return out
}

func TestRootDeterministic(t *testing.T) {
	tr1, err := New(leaves(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr2, err := New(leaves(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr1.Root() != tr2.Root() {
		t.Fatalf("expected identical roots for identical leaves")
	}
}

func TestProofVerifyAllSizes(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 9, 16, 17} {
		ls := leaves(n)
		tr, err := New(ls)
		if err != nil {
			t.Fatalf("New(%d): %v", n, err)
		}
		root := tr.Root()
		for i := 0; i < n; i++ {
			p, err := tr.Proof(i)
			if err != nil {
				t.Fatalf("Proof(%d) at n=%d: %v", i, n, err)
			}
			if !VerifyProof(ls[i], p, root) {
				t.Fatalf("VerifyProof failed for leaf %d at n=%d", i, n)
			}
		}
	}
}

func TestVerifyProofRejectsTamperedData(t *testing.T) {
	ls := leaves(6)
	tr, _ := New(ls)
	root := tr.Root()
	p, _ := tr.Proof(2)
	if VerifyProof([]byte("not the real leaf"), p, root) {
		t.Fatalf("expected tampered leaf data to fail verification")
	}
}

func TestNewRejectsEmpty(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for empty leaf list")
	}
}

func TestProofOutOfRange(t *testing.T) {
	tr, _ := New(leaves(3))
	if _, err := tr.Proof(-1); err == nil {
		t.Fatalf("expected error for negative index")
	}
	if _, err := tr.Proof(3); err == nil {
		t.Fatalf("expected error for index == len")
	}
}
