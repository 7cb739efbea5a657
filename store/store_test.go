package store

import (
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestProofRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutProof(3, []byte("proof-bytes-3")); err != nil {
		t.Fatalf("PutProof: %v", err)
	}
	got, ok, err := db.GetProof(3)
	if err != nil || !ok {
		t.Fatalf("GetProof: got=%v ok=%v err=%v", got, ok, err)
	}
	if string(got) != "proof-bytes-3" {
		t.Fatalf("unexpected proof bytes: %s", got)
	}
	if _, ok, _ := db.GetProof(4); ok {
		t.Fatalf("expected GetProof(4) to be absent")
	}
}

func TestHighestContiguousProofDay(t *testing.T) {
	db := openTestDB(t)
	if _, found, _ := db.HighestContiguousProofDay(); found {
		t.Fatalf("expected no contiguous proof on empty store")
	}
	for _, d := range []uint32{0, 1, 2} {
		if err := db.PutProof(d, []byte{byte(d)}); err != nil {
			t.Fatalf("PutProof(%d): %v", d, err)
		}
	}
	// Leave a gap at days 3 and 4.
	if err := db.PutProof(5, []byte{5}); err != nil {
		t.Fatalf("PutProof(5): %v", err)
	}
	highest, found, err := db.HighestContiguousProofDay()
	if err != nil {
		t.Fatalf("HighestContiguousProofDay: %v", err)
	}
	if !found || highest != 2 {
		t.Fatalf("expected highest contiguous day 2, got %d (found=%v)", highest, found)
	}
}

func TestCurrentDayRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if _, ok, _ := db.CurrentDay(); ok {
		t.Fatalf("expected unset current_day on fresh store")
	}
	if err := db.SetCurrentDay(42); err != nil {
		t.Fatalf("SetCurrentDay: %v", err)
	}
	day, ok, err := db.CurrentDay()
	if err != nil || !ok || day != 42 {
		t.Fatalf("CurrentDay: day=%d ok=%v err=%v", day, ok, err)
	}
}

func TestValidatorsAndBlacklistRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutValidators([]byte("validator-set-v1")); err != nil {
		t.Fatalf("PutValidators: %v", err)
	}
	got, ok, err := db.GetValidators()
	if err != nil || !ok || string(got) != "validator-set-v1" {
		t.Fatalf("GetValidators: got=%s ok=%v err=%v", got, ok, err)
	}

	if err := db.PutBlacklist([]byte("blacklist-v1")); err != nil {
		t.Fatalf("PutBlacklist: %v", err)
	}
	gotB, ok, err := db.GetBlacklist()
	if err != nil || !ok || string(gotB) != "blacklist-v1" {
		t.Fatalf("GetBlacklist: got=%s ok=%v err=%v", gotB, ok, err)
	}
}

func TestBlockRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutBlock(7, []byte("block-7")); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}
	got, ok, err := db.GetBlock(7)
	if err != nil || !ok || string(got) != "block-7" {
		t.Fatalf("GetBlock: got=%s ok=%v err=%v", got, ok, err)
	}
}
