package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/szaharov/caljournal/internal/flagx"
	"github.com/szaharov/caljournal/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "5m"
// or as integer nanoseconds. Zero values leave the existing Config value
// untouched, so a partial file only overrides what it names.
type JsonConfig struct {
	DatabaseDSN             string         `json:"database_dsn"`
	SyncInterval            timex.Duration `json:"sync_interval"`
	ManualSyncBypassesLocks *bool          `json:"manual_sync_bypasses_locks"`
	TokenExpiryThreshold    timex.Duration `json:"token_expiry_threshold"`
	SnapshotPassphrase      string         `json:"snapshot_passphrase"`

	OAuthClientID     string   `json:"oauth_client_id"`
	OAuthClientSecret string   `json:"oauth_client_secret"`
	OAuthAuthURL      string   `json:"oauth_auth_url"`
	OAuthTokenURL     string   `json:"oauth_token_url"`
	OAuthRedirectURL  string   `json:"oauth_redirect_url"`
	OAuthScopes       []string `json:"oauth_scopes"`

	S3Bucket         string         `json:"s3_bucket"`
	S3Key            string         `json:"s3_key"`
	S3Region         string         `json:"s3_region"`
	S3AccessKey      string         `json:"s3_access_key"`
	S3SecretKey      string         `json:"s3_secret_key"`
	S3BaseEndpoint   string         `json:"s3_base_endpoint"`
	S3RequestTimeout timex.Duration `json:"s3_request_timeout"`
}

// parseJson overlays Config with values loaded from a JSON file. The file
// path comes from the -c/-config flags; with no flag, nothing happens.
// Read or parse errors panic (caller decides whether to recover).
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.DatabaseDSN, jc.DatabaseDSN)
	setDuration(&cfg.SyncInterval, jc.SyncInterval)
	if jc.ManualSyncBypassesLocks != nil {
		cfg.ManualSyncBypassesLocks = *jc.ManualSyncBypassesLocks
	}
	setDuration(&cfg.TokenExpiryThreshold, jc.TokenExpiryThreshold)
	setString(&cfg.SnapshotPassphrase, jc.SnapshotPassphrase)

	setString(&cfg.OAuthClientID, jc.OAuthClientID)
	setString(&cfg.OAuthClientSecret, jc.OAuthClientSecret)
	setString(&cfg.OAuthAuthURL, jc.OAuthAuthURL)
	setString(&cfg.OAuthTokenURL, jc.OAuthTokenURL)
	setString(&cfg.OAuthRedirectURL, jc.OAuthRedirectURL)
	if len(jc.OAuthScopes) > 0 {
		cfg.OAuthScopes = jc.OAuthScopes
	}

	setString(&cfg.S3Bucket, jc.S3Bucket)
	setString(&cfg.S3Key, jc.S3Key)
	setString(&cfg.S3Region, jc.S3Region)
	setString(&cfg.S3AccessKey, jc.S3AccessKey)
	setString(&cfg.S3SecretKey, jc.S3SecretKey)
	setString(&cfg.S3BaseEndpoint, jc.S3BaseEndpoint)
	setDuration(&cfg.S3RequestTimeout, jc.S3RequestTimeout)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
