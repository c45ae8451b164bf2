// Package config loads and defaults kvmesh's operator-edited
// configuration, and the bootstrap flat-file loader used by the
// installer's secret/env file.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Defaults mirror the configuration option table exactly.
const (
	DefaultPort                = 0
	DefaultRateLimitPerMinute  = 60
	DefaultRateLimitBurst      = 10
	DefaultMaxMessageSize      = 1_048_576
	DefaultMaxKeyLength        = 256
	DefaultMaxValueLength      = 65_536
	DefaultMaxConnectionsPerIP = 10
	DefaultAutoShareKeys       = true
	DefaultAutoRequestKeys     = true
	DefaultAcceptWhitelistReqs = false
	DefaultMaxMessageAgeHours  = 24
)

// Security holds the Security Gate's tunables.
type Security struct {
	RateLimitPerMinute  uint32   `toml:"rate_limit_per_minute"`
	RateLimitBurst      uint32   `toml:"rate_limit_burst"`
	MaxMessageSize      uint32   `toml:"max_message_size"`
	MaxKeyLength        uint32   `toml:"max_key_length"`
	MaxValueLength      uint32   `toml:"max_value_length"`
	MaxConnectionsPerIP uint32   `toml:"max_connections_per_ip"`
	BlockedPeers        []string `toml:"blocked_peers"`
	AllowedPeers        []string `toml:"allowed_peers,omitempty"`
}

// KeyDistribution holds the event loop's key-distribution timer gates.
type KeyDistribution struct {
	AutoShareKeys           bool   `toml:"auto_share_keys"`
	AutoRequestKeys         bool   `toml:"auto_request_keys"`
	AcceptWhitelistRequests bool   `toml:"accept_whitelist_requests"`
	MaxMessageAgeHours      uint64 `toml:"max_message_age_hours"`
}

// Config is the full operator-edited configuration, loaded from
// config.toml in the data directory.
type Config struct {
	Port            uint16          `toml:"port"`
	DataDir         string          `toml:"data_dir"`
	BootstrapPeers  []string        `toml:"bootstrap_peers"`
	Security        Security        `toml:"security"`
	KeyDistribution KeyDistribution `toml:"key_distribution"`
}

// Default returns a Config with every documented default applied.
func Default() Config {
	return Config{
		Port:    DefaultPort,
		DataDir: "",
		Security: Security{
			RateLimitPerMinute:  DefaultRateLimitPerMinute,
			RateLimitBurst:      DefaultRateLimitBurst,
			MaxMessageSize:      DefaultMaxMessageSize,
			MaxKeyLength:        DefaultMaxKeyLength,
			MaxValueLength:      DefaultMaxValueLength,
			MaxConnectionsPerIP: DefaultMaxConnectionsPerIP,
		},
		KeyDistribution: KeyDistribution{
			AutoShareKeys:           DefaultAutoShareKeys,
			AutoRequestKeys:         DefaultAutoRequestKeys,
			AcceptWhitelistRequests: DefaultAcceptWhitelistReqs,
			MaxMessageAgeHours:      DefaultMaxMessageAgeHours,
		},
	}
}

// Load reads config.toml at path over the documented defaults. A
// missing file is not an error: defaults apply as-is, matching the
// "operator-edited" nature of the file — a fresh data dir runs fine
// with none present.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFlatFile loads a legacy key=value file (the installer's
// bootstrap secret/env file), skipping blank lines and #-comments and
// warning rather than failing on a malformed line.
func LoadFlatFile(path string) (map[string]string, error) {
	out := make(map[string]string)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return out, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "config: skipping invalid line %d in %s: %s\n", lineNum, path, line)
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		if (strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)) ||
			(strings.HasPrefix(value, `'`) && strings.HasSuffix(value, `'`)) {
			value = value[1 : len(value)-1]
		}
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan %s: %w", path, err)
	}
	return out, nil
}
