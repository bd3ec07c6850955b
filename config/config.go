// Package config loads the server configuration from the environment and
// optional .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/vitwit/q402/policy"
	"github.com/vitwit/q402/types"
	"github.com/vitwit/q402/utils"
)

// Config is the complete server configuration.
type Config struct {
	Network                types.Network `validate:"required,oneof=bsc-testnet bsc-mainnet"`
	RecipientAddress       string        `validate:"required,eth_addr"`
	ImplementationContract string        `validate:"required,eth_addr"`
	VerifyingContract      string        `validate:"required,eth_addr"`
	SponsorPrivateKey      string        `validate:"required_if=AutoSettle true"`
	RPCURL                 string        `validate:"omitempty,url"`

	Port     string `validate:"required,numeric"`
	LogLevel string `validate:"oneof=debug info warn error"`
	LogFile  string

	DevMode           bool
	AutoSettle        bool
	AllowAnyRecipient bool

	RedisAddr     string `validate:"omitempty,hostname_port"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	UpstreamChatURL string `validate:"omitempty,url"`
	UpstreamAPIKey  string

	ChallengeTTL      time.Duration `validate:"gt=0"`
	SettlementTimeout time.Duration `validate:"gt=0"`
	PriceTimeout      time.Duration `validate:"gt=0"`
	ShutdownTimeout   time.Duration `validate:"gt=0"`

	Policy types.PolicyConfig `validate:"-"`
}

// ListenAddr is the address the server binds.
func (c *Config) ListenAddr() string {
	return ":" + c.Port
}

// Load reads the configuration. Variables already set in the process
// environment take precedence over the given .env files; missing files are
// skipped.
func Load(envFiles ...string) (*Config, error) {
	fileEnv := map[string]string{}
	for _, path := range envFiles {
		vals, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		for k, v := range vals {
			if _, ok := fileEnv[k]; !ok {
				fileEnv[k] = v
			}
		}
	}

	return parse(func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return fileEnv[key]
	})
}

func parse(lookup func(string) string) (*Config, error) {
	e := &env{lookup: lookup}

	defaults := policy.DefaultConfig()
	cfg := &Config{
		Network:                types.Network(e.str("Q402_NETWORK", types.NetworkBSCTestnet.String())),
		RecipientAddress:       e.str("Q402_RECIPIENT_ADDRESS", ""),
		ImplementationContract: e.str("Q402_IMPLEMENTATION_CONTRACT", ""),
		VerifyingContract:      e.str("Q402_VERIFYING_CONTRACT", ""),
		SponsorPrivateKey:      e.str("SPONSOR_PRIVATE_KEY", ""),
		RPCURL:                 e.str("RPC_URL", ""),
		Port:                   e.str("PORT", "3000"),
		LogLevel:               strings.ToLower(e.str("LOG_LEVEL", "info")),
		LogFile:                e.str("LOG_FILE", ""),
		DevMode:                e.boolean("Q402_DEV_MODE", false),
		AutoSettle:             e.boolean("Q402_AUTO_SETTLE", true),
		AllowAnyRecipient:      e.boolean("Q402_ALLOW_ANY_RECIPIENT", false),
		RedisAddr:              e.str("REDIS_ADDR", ""),
		RedisPassword:          e.str("REDIS_PASSWORD", ""),
		RedisDB:                e.integer("REDIS_DB", 0),
		UpstreamChatURL:        e.str("UPSTREAM_CHAT_URL", ""),
		UpstreamAPIKey:         e.str("UPSTREAM_API_KEY", ""),
		ChallengeTTL:           e.duration("Q402_CHALLENGE_TTL", 900*time.Second),
		SettlementTimeout:      e.duration("SETTLEMENT_TIMEOUT", 60*time.Second),
		PriceTimeout:           e.duration("PRICE_TIMEOUT", 3*time.Second),
		ShutdownTimeout:        e.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Policy: types.PolicyConfig{
			MaxDailySpend:    e.dec("POLICY_MAX_DAILY_SPEND", defaults.MaxDailySpend),
			MaxTxAmount:      e.dec("POLICY_MAX_TX_AMOUNT", defaults.MaxTxAmount),
			MaxTxUSD:         e.dec("POLICY_MAX_TX_USD", decimal.Zero),
			MaxDailyUSD:      e.dec("POLICY_MAX_DAILY_USD", decimal.Zero),
			DeniedContracts:  e.list("POLICY_DENIED_CONTRACTS", defaults.DeniedContracts),
			AllowedContracts: e.list("POLICY_ALLOWED_CONTRACTS", nil),
			AllowedTokens:    e.list("POLICY_ALLOWED_TOKENS", nil),
		},
	}
	if e.err != nil {
		return nil, e.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := utils.Validator().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.SponsorPrivateKey != "" {
		if _, err := utils.PrivateKeyFromHex(c.SponsorPrivateKey); err != nil {
			return fmt.Errorf("invalid config: SPONSOR_PRIVATE_KEY: %w", err)
		}
	}
	p := c.Policy
	if !p.MaxDailySpend.IsPositive() || !p.MaxTxAmount.IsPositive() {
		return errors.New("invalid config: policy limits must be positive")
	}
	if p.MaxTxUSD.IsNegative() || p.MaxDailyUSD.IsNegative() {
		return errors.New("invalid config: usd limits must not be negative")
	}
	for _, list := range [][]string{p.DeniedContracts, p.AllowedContracts, p.AllowedTokens} {
		for _, addr := range list {
			if !utils.IsAddressHex(addr) {
				return fmt.Errorf("invalid config: %q is not an address", addr)
			}
		}
	}
	return nil
}

// env collects the first parse error so parse reads top to bottom.
type env struct {
	lookup func(string) string
	err    error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.lookup(key)); v != "" {
		return v
	}
	return def
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *env) dec(key string, def decimal.Decimal) decimal.Decimal {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *env) list(key string, def []string) []string {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
