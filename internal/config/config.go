// Package config holds Signet's runtime configuration, loaded from
// environment variables the same way the teacher bridge loads its own
// (see internal/config/config.go in klppl-klistr): required variables
// exit the process with a clear message, everything else has a default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the signing daemon.
type Config struct {
	// Relay set. Signet dials all of these for every key's inbox
	// subscription (C3/C4) and publishes replies to the same set.
	Relays []string

	// AdminNpub is the bech32 pubkey the kill switch (C9) and dead-man
	// switch (C10) listen to and reply to.
	AdminNpub      string
	AdminRelays    []string
	AdminWarningDM string

	// DatabaseURL selects the persistence driver the same way the teacher
	// does: a postgres://... DSN selects lib/pq, anything else is treated
	// as a sqlite file path for modernc.org/sqlite.
	DatabaseURL string

	// HTTPBind is the address the local management HTTP+SSE service binds.
	HTTPBind string

	// AdminPassword gates every /keys, /apps, /requests, /logs, /events, and
	// /dead-man-switch route behind HTTP Basic Auth (§6). Required — Load
	// fails the process if it is unset, mirroring the teacher's fail-fast
	// check for its own required credential.
	AdminPassword string

	// HTTPRateLimit / HTTPRateBurst cap key-altering admin requests per
	// client per the rate limiting spec.md §6 requires on top of auth.
	HTTPRateLimit  float64
	HTTPRateBurst  int

	// MinPassphraseLen enforces §4.2's WeakPassphrase check.
	MinPassphraseLen int

	// PendingRequestTTL is the default TTL for PendingRequest rows (§3: 300s).
	PendingRequestTTL time.Duration

	// ConnectionTokenTTL is the bunker one-time-token lifetime (§4.8: 5 min).
	ConnectionTokenTTL time.Duration

	// ACLCacheTTL is how often expired ACL cache entries are swept; the
	// lifetime of an entry itself is fixed at 60s (acl.cacheTTL).
	ACLCacheTTL time.Duration

	// HeartbeatInterval / WatchdogThreshold / WatchdogCooldown drive C3's
	// sleep-detection and circuit-reset behavior (§4.3).
	HeartbeatInterval time.Duration
	WatchdogThreshold int
	WatchdogCooldown  time.Duration

	// KillSwitchDedupTTL bounds the command event-id dedup cache (§4.9(i)).
	KillSwitchDedupTTL time.Duration

	// DeadManFailureLockout is the number of failed passphrase attempts
	// before DeadManSwitch.Reset locks out further attempts (§4.10).
	DeadManFailureLockout int
	DeadManLockoutFor     time.Duration
}

// Load reads configuration from environment variables, optionally layered
// over a YAML file (SIGNET_CONFIG_FILE) for the relay/admin/bind settings
// §6 describes as living in "a plain configuration file". Required values
// missing from both sources cause the process to exit, mirroring the
// teacher's fail-fast NOSTR_PRIVATE_KEY check.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:           getEnv("DATABASE_URL", "signet.db"),
		HTTPBind:              getEnv("SIGNET_HTTP_BIND", "127.0.0.1:4869"),
		MinPassphraseLen:      parseInt(os.Getenv("SIGNET_MIN_PASSPHRASE_LEN"), 12),
		PendingRequestTTL:     parseDuration(os.Getenv("SIGNET_REQUEST_TTL"), 300*time.Second),
		ConnectionTokenTTL:    parseDuration(os.Getenv("SIGNET_TOKEN_TTL"), 5*time.Minute),
		ACLCacheTTL:           parseDuration(os.Getenv("SIGNET_ACL_CACHE_TTL"), 60*time.Second),
		HeartbeatInterval:     parseDuration(os.Getenv("SIGNET_HEARTBEAT_INTERVAL"), 30*time.Second),
		WatchdogThreshold:     parseInt(os.Getenv("SIGNET_WATCHDOG_THRESHOLD"), 3),
		WatchdogCooldown:      parseDuration(os.Getenv("SIGNET_WATCHDOG_COOLDOWN"), 60*time.Second),
		KillSwitchDedupTTL:    parseDuration(os.Getenv("SIGNET_KILLSWITCH_DEDUP_TTL"), time.Hour),
		DeadManFailureLockout: parseInt(os.Getenv("SIGNET_DEADMAN_LOCKOUT_ATTEMPTS"), 5),
		DeadManLockoutFor:     parseDuration(os.Getenv("SIGNET_DEADMAN_LOCKOUT_FOR"), 15*time.Minute),
		AdminNpub:             os.Getenv("SIGNET_ADMIN_NPUB"),
		AdminWarningDM:        getEnv("SIGNET_DEADMAN_WARNING", "Signet: dead-man switch triggered, all keys locked."),
		AdminPassword:         os.Getenv("SIGNET_ADMIN_PASSWORD"),
		HTTPRateLimit:         parseFloat(os.Getenv("SIGNET_HTTP_RATE_LIMIT"), 2),
		HTTPRateBurst:         parseInt(os.Getenv("SIGNET_HTTP_RATE_BURST"), 5),
	}

	if cfg.AdminPassword == "" {
		return nil, fmt.Errorf("SIGNET_ADMIN_PASSWORD is not set: the local management API refuses to start without it")
	}

	cfg.Relays = parseList(os.Getenv("SIGNET_RELAYS"))
	cfg.AdminRelays = parseList(os.Getenv("SIGNET_ADMIN_RELAYS"))

	if path := os.Getenv("SIGNET_CONFIG_FILE"); path != "" {
		if err := cfg.mergeYAMLFile(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if len(cfg.Relays) == 0 {
		cfg.Relays = []string{"wss://relay.damus.io", "wss://nos.lol"}
	}
	if len(cfg.AdminRelays) == 0 {
		cfg.AdminRelays = cfg.Relays
	}

	return cfg, nil
}

// fileConfig mirrors the subset of Config that may live in the on-disk YAML
// file described in spec.md §6 ("A plain configuration file stores relay
// list, admin settings, HTTP bind settings, and optional unencrypted keys").
// Unencrypted keys are intentionally not modeled here: the daemon only ever
// imports key material through KeyStore.Create, never silently from a file.
type fileConfig struct {
	Relays      []string `yaml:"relays"`
	AdminNpub   string   `yaml:"admin_npub"`
	AdminRelays []string `yaml:"admin_relays"`
	HTTPBind    string   `yaml:"http_bind"`
}

func (c *Config) mergeYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if len(fc.Relays) > 0 {
		c.Relays = fc.Relays
	}
	if fc.AdminNpub != "" {
		c.AdminNpub = fc.AdminNpub
	}
	if len(fc.AdminRelays) > 0 {
		c.AdminRelays = fc.AdminRelays
	}
	if fc.HTTPBind != "" {
		c.HTTPBind = fc.HTTPBind
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
