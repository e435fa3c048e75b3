// Package config loads vmctl and agent settings from the environment.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the vmctl host CLI and the guest agent.
type Config struct {
	// Host side
	DataDir        string // Base directory for the registry and lock files
	RegistryPath   string // SQLite machine registry (default: $DataDir/machines.db)
	LockDir        string // Per-machine lock files (default: $DataDir/locks)
	ShareDir       string // Shared data directory searched for the guest tools image
	ConnectTimeout time.Duration

	// Agent token, shared by host and guest
	AgentToken string

	// Guest agent
	AgentListen        string // "vsock" or a unix:// / tcp address
	AgentPort          uint32 // vsock port
	AgentWorkDir       string
	AgentStagingDir    string
	ToolsInstaller     string
	AgentMaxOutputWait time.Duration

	// S3-compatible object storage for guest tools images
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool

	// AWS Secrets Manager: if set, secrets are fetched at startup using IAM credentials.
	// The secret should be a JSON object with keys matching env var names (e.g. VMCTL_AGENT_TOKEN).
	// Env vars take precedence over secret values (for local overrides).
	SecretsARN string
}

// Load reads configuration from environment variables with sensible defaults.
// If VMCTL_SECRETS_ARN is set, secrets are fetched from AWS Secrets Manager
// first, then environment variables are applied on top (env vars take precedence).
func Load() (*Config, error) {
	if arn := os.Getenv("VMCTL_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		DataDir:      envOrDefault("VMCTL_DATA_DIR", defaultDataDir()),
		RegistryPath: os.Getenv("VMCTL_REGISTRY_PATH"), // default derived from DataDir
		LockDir:      os.Getenv("VMCTL_LOCK_DIR"),      // default derived from DataDir
		ShareDir:     envOrDefault("VMCTL_SHARE_DIR", "/usr/share/vmctl"),

		AgentToken: os.Getenv("VMCTL_AGENT_TOKEN"),

		AgentListen:     envOrDefault("VMCTL_AGENT_LISTEN", "vsock"),
		AgentWorkDir:    os.Getenv("VMCTL_AGENT_WORKDIR"),
		AgentStagingDir: envOrDefault("VMCTL_AGENT_STAGING_DIR", "/var/lib/vmctl-agent/staging"),
		ToolsInstaller:  os.Getenv("VMCTL_TOOLS_INSTALLER"),

		S3Endpoint:        os.Getenv("VMCTL_S3_ENDPOINT"),
		S3Region:          envOrDefault("VMCTL_S3_REGION", "us-east-1"),
		S3AccessKeyID:     os.Getenv("VMCTL_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("VMCTL_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("VMCTL_S3_FORCE_PATH_STYLE") == "true",

		SecretsARN: os.Getenv("VMCTL_SECRETS_ARN"),
	}

	if cfg.RegistryPath == "" {
		cfg.RegistryPath = filepath.Join(cfg.DataDir, "machines.db")
	}
	if cfg.LockDir == "" {
		cfg.LockDir = filepath.Join(cfg.DataDir, "locks")
	}
	cfg.ConnectTimeout = time.Duration(envOrDefaultInt("VMCTL_CONNECT_TIMEOUT_SEC", 5)) * time.Second
	cfg.AgentMaxOutputWait = time.Duration(envOrDefaultInt("VMCTL_AGENT_MAX_OUTPUT_WAIT_MS", 1000)) * time.Millisecond

	cfg.AgentPort = 1024
	if portStr := os.Getenv("VMCTL_AGENT_PORT"); portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid VMCTL_AGENT_PORT %q: %w", portStr, err)
		}
		cfg.AgentPort = uint32(port)
	}

	return cfg, nil
}

// defaultDataDir is ~/.vmctl, or /var/lib/vmctl when there is no home.
func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".vmctl")
	}
	return "/var/lib/vmctl"
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain (IAM instance
// profile on EC2, or ~/.aws/credentials locally).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
