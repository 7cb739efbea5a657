// Command conductor-keymgr generates and manages a validator's wrapped
// keystore file.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"chorus.dev/conductor/cryptoutil"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) < 1 {
		fmt.Fprintln(os.Stderr, "usage: conductor-keymgr <generate|rewrap|show-pubkey> [flags]")
		return 2
	}
	sub, rest := argv[0], argv[1:]
	var err error
	switch sub {
	case "generate":
		err = cmdGenerate(rest)
	case "rewrap":
		err = cmdRewrap(rest)
	case "show-pubkey":
		err = cmdShowPubkey(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", sub)
		return 2
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductor-keymgr:", err)
		return 1
	}
	return 0
}

func cmdGenerate(argv []string) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	out := fs.String("out", "", "output keystore json path")
	kekHex := fs.String("kek-hex", "", "AES-256 key-encryption-key (32 bytes hex)")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *out == "" || *kekHex == "" {
		return fmt.Errorf("missing required flags: --out --kek-hex")
	}
	kek, err := hex.DecodeString(*kekHex)
	if err != nil {
		return fmt.Errorf("kek-hex: %w", err)
	}
	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	if err := cryptoutil.WriteKeystore(*out, kp, kek); err != nil {
		return err
	}
	fmt.Printf("wrote %s pubkey=%x\n", *out, kp.Public)
	return nil
}

func cmdRewrap(argv []string) error {
	fs := flag.NewFlagSet("rewrap", flag.ContinueOnError)
	in := fs.String("in", "", "input keystore json path")
	out := fs.String("out", "", "output keystore json path")
	oldKekHex := fs.String("old-kek-hex", "", "current AES-256 KEK (32 bytes hex)")
	newKekHex := fs.String("new-kek-hex", "", "new AES-256 KEK (32 bytes hex)")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *in == "" || *out == "" || *oldKekHex == "" || *newKekHex == "" {
		return fmt.Errorf("missing required flags: --in --out --old-kek-hex --new-kek-hex")
	}
	oldKek, err := hex.DecodeString(*oldKekHex)
	if err != nil {
		return fmt.Errorf("old-kek-hex: %w", err)
	}
	newKek, err := hex.DecodeString(*newKekHex)
	if err != nil {
		return fmt.Errorf("new-kek-hex: %w", err)
	}
	kp, err := cryptoutil.ReadKeystore(*in, oldKek)
	if err != nil {
		return fmt.Errorf("reading keystore: %w", err)
	}
	if err := cryptoutil.WriteKeystore(*out, kp, newKek); err != nil {
		return fmt.Errorf("writing keystore: %w", err)
	}
	fmt.Printf("rewrapped %s -> %s\n", *in, *out)
	return nil
}

// cmdShowPubkey prints the keystore's embedded pubkey/key_id without
// requiring the KEK, since both are stored unwrapped in the file.
func cmdShowPubkey(argv []string) error {
	fs := flag.NewFlagSet("show-pubkey", flag.ContinueOnError)
	in := fs.String("in", "", "input keystore json path")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("missing required flag: --in")
	}
	raw, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	var ks cryptoutil.KeystoreFile
	if err := json.Unmarshal(raw, &ks); err != nil {
		return err
	}
	fmt.Printf("pubkey_hex=%s key_id_hex=%s\n", ks.PubkeyHex, ks.KeyIDHex)
	return nil
}
