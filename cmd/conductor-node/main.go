// Command conductor-node is the validator node's entrypoint: parse
// flags over node.DefaultConfig, validate, print the effective config,
// then either run a local multi-validator simulation (--simulate,
// against a shared in-process loopback exchange) or run a single node
// until a signal arrives.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chorus.dev/conductor/cryptoutil"
	"chorus.dev/conductor/node"
	"chorus.dev/conductor/peer"

	"golang.org/x/crypto/ed25519"
)

type multiStringFlag []string

func (m *multiStringFlag) String() string {
	if m == nil {
		return ""
	}
	return strings.Join(*m, ",")
}

func (m *multiStringFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defaults := node.DefaultConfig()
	var bootstrapPeers multiStringFlag
	var genesisValidators multiStringFlag

	cfg := defaults
	fs := flag.NewFlagSet("conductor-node", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.KeypairPath, "keypair-path", defaults.KeypairPath, "path to this validator's wrapped keystore")
	fs.StringVar(&cfg.NetworkListenAddress, "listen", defaults.NetworkListenAddress, "network listen address host:port")
	fs.Var(&bootstrapPeers, "peer", "bootstrap peer host:port (repeatable)")
	fs.Uint64Var(&cfg.VdfIterations, "vdf-iterations", defaults.VdfIterations, "VDF iterations per day proof")
	var adjustmentIntervalDays uint
	fs.UintVar(&adjustmentIntervalDays, "vdf-adjustment-interval-days", uint(defaults.VdfAdjustmentIntervalDays), "days between VDF difficulty adjustments")
	fs.StringVar(&cfg.StoragePath, "storage-path", defaults.StoragePath, "bbolt data directory")
	fs.IntVar(&cfg.ConsensusMinValidators, "consensus-min-validators", defaults.ConsensusMinValidators, "minimum validator set size")
	fs.Float64Var(&cfg.ConsensusThreshold, "consensus-threshold", defaults.ConsensusThreshold, "quorum threshold fraction")
	fs.IntVar(&cfg.ConsensusTimeoutSeconds, "consensus-timeout-seconds", defaults.ConsensusTimeoutSeconds, "round timeout in seconds")
	fs.StringVar(&cfg.MonitoringLogLevel, "log-level", defaults.MonitoringLogLevel, "log level: debug|info|warn|error")
	fs.Var(&genesisValidators, "genesis-validator", "genesis validator pubkey, hex (repeatable; ignored once a validator set is already persisted)")
	kekHex := fs.String("kek-hex", "", "AES-256 key-encryption-key for --keypair-path (32 bytes hex); also read from CONDUCTOR_KEYSTORE_KEK_HEX")
	simulate := fs.Int("simulate", 0, "run N in-process validators against a shared loopback exchange instead of reading --keypair-path")
	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg.MonitoringLogLevel = strings.ToLower(strings.TrimSpace(cfg.MonitoringLogLevel))
	cfg.VdfAdjustmentIntervalDays = uint32(adjustmentIntervalDays)
	cfg.NetworkBootstrapPeers = node.NormalizePeers(bootstrapPeers...)
	if err := node.ValidateConfig(cfg); err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if err := printConfig(stdout, cfg); err != nil {
		fmt.Fprintf(stderr, "config encode failed: %v\n", err)
		return 1
	}
	if *dryRun {
		return 0
	}

	if *simulate > 0 {
		if err := runSimulation(cfg, *simulate, stdout); err != nil {
			fmt.Fprintf(stderr, "simulation failed: %v\n", err)
			return 2
		}
		return 0
	}

	kek, err := resolveKEK(*kekHex)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	kp, err := cryptoutil.ReadKeystore(cfg.KeypairPath, kek)
	if err != nil {
		fmt.Fprintf(stderr, "reading keystore: %v\n", err)
		return 2
	}
	validators, err := parseGenesisValidators(genesisValidators)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	ex := peer.NewLoopbackExchange(256)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.NewNode(ctx, cfg, kp, validators, ex, nil, nil, nil)
	if err != nil {
		fmt.Fprintf(stderr, "node init failed: %v\n", err)
		return 2
	}
	defer func() { _ = n.Close() }()

	fmt.Fprintln(stdout, "conductor-node running")
	go func() {
		if err := n.RunDayLoop(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(stderr, "day loop halted: %v\n", err)
			stop()
		}
	}()
	go func() { _ = n.RunEpochLoop(ctx) }()
	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "event loop halted: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "conductor-node stopped")
	return 0
}

func resolveKEK(flagValue string) ([]byte, error) {
	hexVal := flagValue
	if hexVal == "" {
		hexVal = os.Getenv("CONDUCTOR_KEYSTORE_KEK_HEX")
	}
	if hexVal == "" {
		return nil, fmt.Errorf("missing KEK: pass --kek-hex or set CONDUCTOR_KEYSTORE_KEK_HEX")
	}
	kek, err := hex.DecodeString(hexVal)
	if err != nil {
		return nil, fmt.Errorf("kek-hex: %w", err)
	}
	return kek, nil
}

func parseGenesisValidators(raw []string) (map[cryptoutil.PublicKeyHex]struct{}, error) {
	out := make(map[cryptoutil.PublicKeyHex]struct{}, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		pub, err := hex.DecodeString(s)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("genesis-validator %q: expected %d-byte hex pubkey", s, ed25519.PublicKeySize)
		}
		out[cryptoutil.NewPublicKeyHex(pub)] = struct{}{}
	}
	return out, nil
}

func printConfig(w io.Writer, cfg node.Config) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

// runSimulation boots n in-process validators sharing a loopback
// exchange and drives each one's event and day loops until interrupted,
// demonstrating full consensus end to end without any real transport.
func runSimulation(cfg node.Config, n int, stdout io.Writer) error {
	if n < cfg.ConsensusMinValidators {
		return fmt.Errorf("--simulate %d is below consensus.min_validators=%d", n, cfg.ConsensusMinValidators)
	}
	ex := peer.NewLoopbackExchange(256)
	validators := make(map[cryptoutil.PublicKeyHex]struct{}, n)
	kps := make([]cryptoutil.KeyPair, n)
	for i := 0; i < n; i++ {
		kp, err := cryptoutil.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generating validator %d keypair: %w", i, err)
		}
		kps[i] = kp
		validators[cryptoutil.NewPublicKeyHex(kp.Public)] = struct{}{}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodes := make([]*node.Node, n)
	for i, kp := range kps {
		nodeCfg := cfg
		nodeCfg.StoragePath = fmt.Sprintf("%s-sim-%d", cfg.StoragePath, i)
		nd, err := node.NewNode(ctx, nodeCfg, kp, validators, ex, nil, nil, nil)
		if err != nil {
			return fmt.Errorf("validator %d init failed: %w", i, err)
		}
		defer func() { _ = nd.Close() }()
		nodes[i] = nd
		go func(nd *node.Node) { _ = nd.Run(ctx) }(nd)
		go func(nd *node.Node) { _ = nd.RunDayLoop(ctx) }(nd)
		go func(nd *node.Node) { _ = nd.RunEpochLoop(ctx) }(nd)
	}

	fmt.Fprintf(stdout, "simulation: %d validators running, press ctrl-c to stop\n", n)
	<-ctx.Done()
	fmt.Fprintln(stdout, "simulation stopped")
	return nil
}
