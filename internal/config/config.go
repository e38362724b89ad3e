// Package config handles runtime configuration for caljournal,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the journal and its sync engine.
//
// Fields:
//   - DatabaseDSN: path/DSN of the local SQLite database.
//   - SyncInterval: how often the automatic sync cycle runs.
//   - ManualSyncBypassesLocks: whether a user-invoked sync may run despite
//     registered edit locks. Automatic cycles always respect locks.
//   - TokenExpiryThreshold: how long before token expiry the token-expiring
//     notification fires.
//   - SnapshotPassphrase: passphrase encrypting the cloud snapshot blob.
//     Empty leaves the blob plaintext until the user sets one in the shell.
//   - OAuth*: endpoints and client identity of the backup account provider.
//   - S3*: object storage holding the encrypted snapshot blob.
type Config struct {
	DatabaseDSN             string
	SyncInterval            time.Duration
	ManualSyncBypassesLocks bool
	TokenExpiryThreshold    time.Duration
	SnapshotPassphrase      string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthRedirectURL  string
	OAuthScopes       []string

	S3Bucket         string
	S3Key            string
	S3Region         string
	S3AccessKey      string
	S3SecretKey      string
	S3BaseEndpoint   string
	S3RequestTimeout time.Duration
}

// LoadDefaults populates c with sensible defaults.
// NOTE: the S3 values match a local MinIO dev setup and must be overridden
// for real use.
func (c *Config) LoadDefaults() {
	c.DatabaseDSN = "journal.db"
	c.SyncInterval = 5 * time.Minute
	c.ManualSyncBypassesLocks = false
	c.TokenExpiryThreshold = 5 * time.Minute

	c.OAuthRedirectURL = "http://127.0.0.1:8421/callback"

	c.S3Bucket = "caljournal"
	c.S3Key = "snapshot.json"
	c.S3Region = "us-east-1"
	c.S3AccessKey = "admin"
	c.S3SecretKey = "secretpassword"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
	c.S3RequestTimeout = 30 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later sources
// take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
