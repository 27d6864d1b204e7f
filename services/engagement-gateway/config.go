package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyConfig describes a single API key + secret pair accepted by the gateway.
type APIKeyConfig struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Config captures runtime configuration for the engagement gateway service.
type Config struct {
	ListenAddress        string
	LedgerURL            string
	LedgerAuthToken      string
	ChainID              string
	DatabasePath         string
	WalletAddress        string
	WalletChainID        string
	AllowedTimestampSkew time.Duration
	NonceTTL             time.Duration
	NonceCapacity        int
	APIKeys              []APIKeyConfig
	Webhooks             []WebhookSubscription
	WebhookQueueCapacity int
	WebhookQueueTTL      time.Duration
	PollInterval         time.Duration
	ReconcileTimeout     time.Duration
}

// LoadConfigFromEnv builds a configuration from environment variables, with
// webhook subscriptions optionally loaded from a YAML file.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:        getenvDefault("ENGAGEMENT_GATEWAY_LISTEN", ":8082"),
		LedgerURL:            os.Getenv("ENGAGEMENT_GATEWAY_LEDGER_URL"),
		LedgerAuthToken:      os.Getenv("ENGAGEMENT_GATEWAY_LEDGER_TOKEN"),
		ChainID:              strings.TrimSpace(os.Getenv("ENGAGEMENT_GATEWAY_CHAIN_ID")),
		DatabasePath:         getenvDefault("ENGAGEMENT_GATEWAY_DB_PATH", "engagement-gateway.db"),
		WalletAddress:        strings.TrimSpace(os.Getenv("ENGAGEMENT_GATEWAY_WALLET_ADDRESS")),
		WalletChainID:        strings.TrimSpace(os.Getenv("ENGAGEMENT_GATEWAY_WALLET_CHAIN_ID")),
		AllowedTimestampSkew: 2 * time.Minute,
		NonceCapacity:        1024,
		WebhookQueueCapacity: defaultQueueCapacity,
		WebhookQueueTTL:      defaultQueueTTL,
		PollInterval:         5 * time.Second,
		ReconcileTimeout:     5 * time.Second,
	}

	if cfg.LedgerURL == "" {
		return Config{}, errors.New("ENGAGEMENT_GATEWAY_LEDGER_URL is required")
	}
	if cfg.WalletAddress == "" {
		return Config{}, errors.New("ENGAGEMENT_GATEWAY_WALLET_ADDRESS is required")
	}
	if cfg.WalletChainID == "" {
		cfg.WalletChainID = cfg.ChainID
	}

	if err := parseDurationEnv("ENGAGEMENT_GATEWAY_TIMESTAMP_SKEW", &cfg.AllowedTimestampSkew); err != nil {
		return Config{}, err
	}
	cfg.NonceTTL = 2 * cfg.AllowedTimestampSkew
	if err := parseDurationEnv("ENGAGEMENT_GATEWAY_NONCE_TTL", &cfg.NonceTTL); err != nil {
		return Config{}, err
	}
	if cfg.NonceTTL < cfg.AllowedTimestampSkew {
		cfg.NonceTTL = cfg.AllowedTimestampSkew
	}
	if err := parseIntEnv("ENGAGEMENT_GATEWAY_NONCE_CAP", &cfg.NonceCapacity); err != nil {
		return Config{}, err
	}
	if err := parseIntEnv("ENGAGEMENT_GATEWAY_QUEUE_CAP", &cfg.WebhookQueueCapacity); err != nil {
		return Config{}, err
	}
	if err := parseDurationEnv("ENGAGEMENT_GATEWAY_QUEUE_TTL", &cfg.WebhookQueueTTL); err != nil {
		return Config{}, err
	}
	if err := parseDurationEnv("ENGAGEMENT_GATEWAY_POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if err := parseDurationEnv("ENGAGEMENT_GATEWAY_RECONCILE_TIMEOUT", &cfg.ReconcileTimeout); err != nil {
		return Config{}, err
	}

	// API keys arrive as a JSON array: [{"key":"...","secret":"..."}, ...]
	apiJSON := strings.TrimSpace(os.Getenv("ENGAGEMENT_GATEWAY_API_KEYS"))
	if apiJSON == "" {
		return Config{}, errors.New("ENGAGEMENT_GATEWAY_API_KEYS is required")
	}
	var entries []APIKeyConfig
	if err := json.Unmarshal([]byte(apiJSON), &entries); err != nil {
		return Config{}, fmt.Errorf("parse ENGAGEMENT_GATEWAY_API_KEYS: %w", err)
	}
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		secret := strings.TrimSpace(entry.Secret)
		if key == "" || secret == "" {
			return Config{}, errors.New("api key entries must include key and secret")
		}
		cfg.APIKeys = append(cfg.APIKeys, APIKeyConfig{Key: key, Secret: secret})
	}
	if len(cfg.APIKeys) == 0 {
		return Config{}, errors.New("no API keys configured")
	}

	if path := strings.TrimSpace(os.Getenv("ENGAGEMENT_GATEWAY_WEBHOOK_CONFIG")); path != "" {
		webhooks, err := loadWebhookConfig(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Webhooks = webhooks
	}

	return cfg, nil
}

type webhookConfigFile struct {
	Webhooks []WebhookSubscription `yaml:"webhooks"`
}

func loadWebhookConfig(path string) ([]WebhookSubscription, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read webhook config: %w", err)
	}
	var file webhookConfigFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse webhook config: %w", err)
	}
	for i, sub := range file.Webhooks {
		if strings.TrimSpace(sub.URL) == "" {
			return nil, fmt.Errorf("webhook entry %d is missing a url", i)
		}
		if strings.TrimSpace(sub.Secret) == "" {
			return nil, fmt.Errorf("webhook %q is missing a secret", sub.Name)
		}
	}
	return file.Webhooks, nil
}

func parseDurationEnv(name string, out *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if dur <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	*out = dur
	return nil
}

func parseIntEnv(name string, out *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if val <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	*out = val
	return nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
