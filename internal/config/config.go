package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration for the promotion service, loaded
// from environment variables. Stores fall back from Postgres to a local
// ledger file when DATABASE_URL is unset.
type Config struct {
	Addr        string
	DatabaseURL string
	DataDir     string
	PolicyPath  string

	SignerKeyB64 string
	SignerID     string

	ApprovalIssuer string
	ApprovalTTL    time.Duration

	CIBaseURL string
	CIToken   string

	CheckTimeout   time.Duration
	OverallTimeout time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	S3Bucket string
	S3Prefix string
}

const (
	defaultAddr           = ":8071"
	defaultDataDir        = "./data"
	defaultSignerID       = "relvault-dev"
	defaultApprovalIssuer = "relvault-approvals"
	defaultApprovalTTL    = 15 * time.Minute
	defaultKafkaTopic     = "relvault.promotions"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:           getEnv("RELVAULT_ADDR", defaultAddr),
		DatabaseURL:    firstNonEmpty(os.Getenv("RELVAULT_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		DataDir:        getEnv("RELVAULT_DATA_DIR", defaultDataDir),
		PolicyPath:     os.Getenv("RELVAULT_POLICY_PATH"),
		SignerKeyB64:   os.Getenv("RELVAULT_SIGNER_KEY_B64"),
		SignerID:       getEnv("RELVAULT_SIGNER_ID", defaultSignerID),
		ApprovalIssuer: getEnv("RELVAULT_APPROVAL_ISSUER", defaultApprovalIssuer),
		ApprovalTTL:    getDuration("RELVAULT_APPROVAL_TTL", defaultApprovalTTL),
		CIBaseURL:      os.Getenv("RELVAULT_CI_BASE_URL"),
		CIToken:        os.Getenv("RELVAULT_CI_TOKEN"),
		CheckTimeout:   getDuration("RELVAULT_CHECK_TIMEOUT", 30*time.Second),
		OverallTimeout: getDuration("RELVAULT_OVERALL_TIMEOUT", 120*time.Second),
		KafkaBrokers:   splitList(os.Getenv("RELVAULT_KAFKA_BROKERS")),
		KafkaTopic:     getEnv("RELVAULT_KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:       os.Getenv("RELVAULT_S3_BUCKET"),
		S3Prefix:       os.Getenv("RELVAULT_S3_PREFIX"),
	}
	if os.Getenv("NODE_ENV") == "production" && cfg.SignerKeyB64 == "" {
		return Config{}, fmt.Errorf("RELVAULT_SIGNER_KEY_B64 required in production")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
