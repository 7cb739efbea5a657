// Package node wires every subsystem (store, peer exchange, RBC, common
// coin, epoch consensus, day-proof pipeline, validator lifecycle) into a
// single running validator, and exposes the ingress-surface contract
// that an external gRPC/REST frontend would call into.
//
// Configuration is a plain JSON-tagged struct with hand-rolled
// validation; environment-variable overrides go through an explicit
// env-var-name to field table, not reflection-based struct walking.
package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the node's recognized options. JSON tags
// match the dotted option names with underscores in place of dots, e.g.
// "network.listen_address" -> NetworkListenAddress, tag
// "network_listen_address".
type Config struct {
	KeypairPath string `json:"keypair_path"`

	NetworkListenAddress   string   `json:"network_listen_address"`
	NetworkBootstrapPeers  []string `json:"network_bootstrap_peers"`

	VdfIterations             uint64 `json:"vdf_iterations"`
	VdfAdjustmentIntervalDays uint32 `json:"vdf_adjustment_interval_days"`

	StoragePath string `json:"storage_path"`

	ConsensusMinValidators  int     `json:"consensus_min_validators"`
	ConsensusThreshold      float64 `json:"consensus_threshold"`
	ConsensusTimeoutSeconds int     `json:"consensus_timeout_seconds"`

	MonitoringLogLevel string `json:"monitoring_log_level"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// DefaultDataDir is the node's default home-directory data dir.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".chorus"
	}
	return filepath.Join(home, ".chorus")
}

// DefaultConfig returns the stock configuration: consensus.threshold
// 0.67, consensus.timeout_seconds 120, and an iterations count intended
// to target roughly a day on reference hardware.
func DefaultConfig() Config {
	dataDir := DefaultDataDir()
	return Config{
		KeypairPath:               filepath.Join(dataDir, "validator.keystore"),
		NetworkListenAddress:      "0.0.0.0:7946",
		NetworkBootstrapPeers:     nil,
		VdfIterations:             50_000_000,
		VdfAdjustmentIntervalDays: 30,
		StoragePath:               dataDir,
		ConsensusMinValidators:    4,
		ConsensusThreshold:        0.67,
		ConsensusTimeoutSeconds:   120,
		MonitoringLogLevel:        "info",
	}
}

// LoadConfig reads JSON configuration from path, then applies
// environment-variable overrides on top: file defaults first, then
// environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path) // #nosec G304 -- operator-provided path
		if err != nil {
			return Config{}, fmt.Errorf("node: read config: %w", err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("node: parse config: %w", err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides resolves the explicit option-path -> env-var-name
// table (paths joined by underscores): one assignment per known option,
// not reflection over struct tags.
func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv("KEYPAIR_PATH"); ok {
		cfg.KeypairPath = v
	}
	if v, ok := os.LookupEnv("NETWORK_LISTEN_ADDRESS"); ok {
		cfg.NetworkListenAddress = v
	}
	if v, ok := os.LookupEnv("NETWORK_BOOTSTRAP_PEERS"); ok {
		cfg.NetworkBootstrapPeers = NormalizePeers(v)
	}
	if v, ok := os.LookupEnv("VDF_ITERATIONS"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("node: VDF_ITERATIONS: %w", err)
		}
		cfg.VdfIterations = n
	}
	if v, ok := os.LookupEnv("VDF_ADJUSTMENT_INTERVAL_DAYS"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("node: VDF_ADJUSTMENT_INTERVAL_DAYS: %w", err)
		}
		cfg.VdfAdjustmentIntervalDays = uint32(n)
	}
	if v, ok := os.LookupEnv("STORAGE_PATH"); ok {
		cfg.StoragePath = v
	}
	if v, ok := os.LookupEnv("CONSENSUS_MIN_VALIDATORS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("node: CONSENSUS_MIN_VALIDATORS: %w", err)
		}
		cfg.ConsensusMinValidators = n
	}
	if v, ok := os.LookupEnv("CONSENSUS_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("node: CONSENSUS_THRESHOLD: %w", err)
		}
		cfg.ConsensusThreshold = f
	}
	if v, ok := os.LookupEnv("CONSENSUS_TIMEOUT_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("node: CONSENSUS_TIMEOUT_SECONDS: %w", err)
		}
		cfg.ConsensusTimeoutSeconds = n
	}
	if v, ok := os.LookupEnv("MONITORING_LOG_LEVEL"); ok {
		cfg.MonitoringLogLevel = v
	}
	return nil
}

// NormalizePeers splits comma-joined peer-address tokens, trims
// whitespace, and de-duplicates.
func NormalizePeers(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, p := range strings.Split(token, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// ValidateConfig rejects a Config that cannot run: one check per
// field, wrapped errors naming the failing option.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.KeypairPath) == "" {
		return errors.New("keypair_path is required")
	}
	if strings.TrimSpace(cfg.StoragePath) == "" {
		return errors.New("storage.path is required")
	}
	if err := validateAddr(cfg.NetworkListenAddress); err != nil {
		return fmt.Errorf("invalid network.listen_address: %w", err)
	}
	for _, p := range cfg.NetworkBootstrapPeers {
		if err := validatePeerAddr(p); err != nil {
			return fmt.Errorf("invalid network.bootstrap_peers entry %q: %w", p, err)
		}
	}
	if cfg.VdfIterations == 0 {
		return errors.New("vdf.iterations must be > 0")
	}
	if cfg.VdfAdjustmentIntervalDays == 0 {
		return errors.New("vdf.adjustment_interval_days must be > 0")
	}
	if cfg.ConsensusMinValidators < 4 {
		return errors.New("consensus.min_validators must be >= 4 (BFT requires n >= 3f+1, f >= 1)")
	}
	if cfg.ConsensusThreshold <= 0.5 || cfg.ConsensusThreshold > 1.0 {
		return errors.New("consensus.threshold must be in (0.5, 1.0]")
	}
	if cfg.ConsensusTimeoutSeconds <= 0 {
		return errors.New("consensus.timeout_seconds must be > 0")
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.MonitoringLogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid monitoring.log_level %q", cfg.MonitoringLogLevel)
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

func validatePeerAddr(addr string) error {
	if err := validateAddr(addr); err != nil {
		return err
	}
	host, _, _ := net.SplitHostPort(addr)
	if strings.TrimSpace(host) == "" {
		return errors.New("missing host")
	}
	return nil
}
