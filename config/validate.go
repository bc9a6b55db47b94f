package config

import (
	"errors"
	"fmt"
	"strings"

	"haggle/crypto"
	"haggle/native/negotiation"
)

// Validate checks the configuration for values the node cannot start with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("config: ListenAddress required")
	}
	switch c.StorageBackend {
	case StorageLevelDB:
		if strings.TrimSpace(c.DataDir) == "" {
			return errors.New("config: DataDir required for leveldb storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("config: unsupported StorageBackend %q", c.StorageBackend)
	}
	if err := c.Protocol.validate(); err != nil {
		return err
	}
	if c.RPC.RateLimitPerSecond < 0 || c.RPC.RateLimitBurst < 0 {
		return errors.New("rpc: rate limit must not be negative")
	}
	if c.RPC.SignatureSkewSeconds < 0 {
		return errors.New("rpc: SignatureSkewSeconds must not be negative")
	}
	if c.Cranker.Enabled {
		if c.Cranker.IntervalSeconds <= 0 {
			return errors.New("cranker: IntervalSeconds must be positive")
		}
		if c.Cranker.BatchSize <= 0 {
			return errors.New("cranker: BatchSize must be positive")
		}
	}
	if c.Indexer.Enabled {
		switch strings.ToLower(strings.TrimSpace(c.Indexer.Driver)) {
		case "sqlite":
		case "postgres":
			if strings.TrimSpace(c.Indexer.DSN) == "" {
				return errors.New("indexer: DSN required for postgres")
			}
		default:
			return fmt.Errorf("indexer: unsupported driver %q", c.Indexer.Driver)
		}
	}
	if strings.TrimSpace(c.Webhook.Endpoint) != "" {
		if c.WebhookSecretValue() == "" {
			return errors.New("webhook: secret required when endpoint is set")
		}
		if c.Webhook.MaxAttempts < 0 {
			return errors.New("webhook: MaxAttempts must not be negative")
		}
	}
	return nil
}

func (p Protocol) validate() error {
	for name, value := range map[string]string{"Authority": p.Authority, "Treasury": p.Treasury} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := crypto.ParseAddress(value); err != nil {
			return fmt.Errorf("protocol: invalid %s: %w", name, err)
		}
	}
	if _, err := negotiation.NormalizeToken(p.Token); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	if err := p.Defaults().Validate(); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	if p.MinOfferBps != 0 && (p.MinOfferBps < negotiation.MinOfferBpsFloor || p.MinOfferBps > negotiation.BpsDenominator) {
		return fmt.Errorf("protocol: MinOfferBps must be within %d..%d", negotiation.MinOfferBpsFloor, negotiation.BpsDenominator)
	}
	if p.DeadlineOffsetSeconds != 0 && p.DeadlineOffsetSeconds < negotiation.MinDeadlineOffset {
		return fmt.Errorf("protocol: DeadlineOffsetSeconds below %d", negotiation.MinDeadlineOffset)
	}
	return nil
}

// Defaults converts the protocol section into registry defaults.
func (p Protocol) Defaults() negotiation.Defaults {
	return negotiation.Defaults{
		DecayRateBps:   p.DecayRateBps,
		ResponseWindow: p.ResponseWindowSeconds,
		ProtocolFeeBps: p.ProtocolFeeBps,
		MaxRounds:      p.MaxRounds,
	}
}

// ResolveAddress parses a configured bech32 address, falling back to the
// supplied address when unset.
func ResolveAddress(value string, fallback [20]byte) ([20]byte, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	return crypto.ParseAddress(value)
}
