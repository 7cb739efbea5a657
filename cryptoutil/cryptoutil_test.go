package cryptoutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashDeterministic(t *testing.T) {
	a := Hash([]byte("hello"))
	b := Hash([]byte("hello"))
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	c := Hash([]byte("hello!"))
	if a == c {
		t.Fatalf("expected different inputs to hash differently")
	}
}

func TestHashConcatMatchesJoin(t *testing.T) {
	got := HashConcat([]byte("foo"), []byte("bar"))
	want := Hash([]byte("foobar"))
	if got != want {
		t.Fatalf("HashConcat(foo, bar) != Hash(foobar)")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := []byte("day proof bytes")
	sig := Sign(kp.Private, msg)
	if !Verify(kp.Public, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(kp.Public, []byte("tampered"), sig) {
		t.Fatalf("expected signature over different message to fail")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	kek := make([]byte, 32)
	for i := range kek {
		kek[i] = byte(i)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "validator.keystore.json")
	if err := WriteKeystore(path, kp, kek); err != nil {
		t.Fatalf("WriteKeystore: %v", err)
	}
	got, err := ReadKeystore(path, kek)
	if err != nil {
		t.Fatalf("ReadKeystore: %v", err)
	}
	if string(got.Public) != string(kp.Public) || string(got.Private) != string(kp.Private) {
		t.Fatalf("round-tripped keypair does not match original")
	}

	wrongKek := make([]byte, 32)
	if _, err := ReadKeystore(path, wrongKek); err == nil {
		t.Fatalf("expected wrong KEK to fail unwrap")
	}
}

func TestKeystoreRejectsTamperedFile(t *testing.T) {
	kp, _ := GenerateKeyPair()
	kek := make([]byte, 32)
	dir := t.TempDir()
	path := filepath.Join(dir, "k.json")
	if err := WriteKeystore(path, kp, kek); err != nil {
		t.Fatalf("WriteKeystore: %v", err)
	}
	raw, _ := os.ReadFile(path)
	raw = append(raw, []byte("garbage")...)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	if _, err := ReadKeystore(path, kek); err == nil {
		t.Fatalf("expected tampered keystore to fail to load")
	}
}
