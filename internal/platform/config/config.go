// Package config loads escrowd settings from ESCROW_* environment variables,
// an optional .env file and an optional TOML policy file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DevJWTSecret is the fallback signing secret. Strict mode refuses it.
const DevJWTSecret = "dev-insecure-change-me"

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrStrictRuntime = errors.New("strict production runtime requirement not met")
)

// Duration decodes TOML strings such as "24h" or "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type WithdrawalPolicy struct {
	Min      int64    `toml:"min"`
	Max      int64    `toml:"max"`
	DailyCap int64    `toml:"daily_cap"`
	Window   Duration `toml:"window"`
}

type SweeperPolicy struct {
	Interval Duration `toml:"interval"`
	Batch    int      `toml:"batch"`
}

type EnginePolicy struct {
	MaxAttempts int `toml:"max_attempts"`
}

type EscrowPolicy struct {
	DefaultHold Duration `toml:"default_hold"`
}

// Policy holds the business limits. It is the shape of ESCROW_POLICY_FILE.
type Policy struct {
	Withdrawal WithdrawalPolicy `toml:"withdrawal"`
	Sweeper    SweeperPolicy    `toml:"sweeper"`
	Engine     EnginePolicy     `toml:"engine"`
	Escrow     EscrowPolicy     `toml:"escrow"`
}

func DefaultPolicy() Policy {
	return Policy{
		Withdrawal: WithdrawalPolicy{
			Min:      10_000,
			Max:      50_000_000,
			DailyCap: 100_000_000,
			Window:   Duration{24 * time.Hour},
		},
		Sweeper: SweeperPolicy{Interval: Duration{time.Minute}, Batch: 200},
		Engine:  EnginePolicy{MaxAttempts: 5},
		Escrow:  EscrowPolicy{DefaultHold: Duration{24 * time.Hour}},
	}
}

type TLS struct {
	Enabled           bool
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
	MinVersionTLS13   bool
}

type JWT struct {
	Secret     string
	Keyset     string
	KeysetFile string
	ActiveKID  string
	TokenTTL   time.Duration
}

// HasKeyset reports whether rotation keys were configured instead of the
// single shared secret.
func (j JWT) HasKeyset() bool {
	return strings.TrimSpace(j.Keyset) != "" || strings.TrimSpace(j.KeysetFile) != ""
}

type Notify struct {
	Kind         string
	RedisURL     string
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string
}

type Config struct {
	Strict       bool
	LogDev       bool
	HTTPAddr     string
	GRPCAddr     string
	DatabaseURL  string
	TrustedCIDRs []string
	PolicyFile   string
	TLS          TLS
	JWT          JWT
	Notify       Notify
	Policy       Policy
}

// Load seeds the process environment from envFile when it exists, then
// reads the configuration. Variables already set in the environment win.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a validated Config from getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	envOr := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}
	boolEnv := func(key string) bool {
		v, _ := strconv.ParseBool(envOr(key, "false"))
		return v
	}

	cfg := Config{
		Strict:       boolEnv("ESCROW_STRICT_PRODUCTION"),
		LogDev:       boolEnv("ESCROW_LOG_DEV"),
		HTTPAddr:     envOr("ESCROW_HTTP_ADDR", ":8080"),
		GRPCAddr:     envOr("ESCROW_GRPC_ADDR", ":8081"),
		DatabaseURL:  envOr("ESCROW_DATABASE_URL", ""),
		TrustedCIDRs: splitList(envOr("ESCROW_TRUSTED_CIDRS", "127.0.0.1/32,::1/128")),
		PolicyFile:   envOr("ESCROW_POLICY_FILE", ""),
		TLS: TLS{
			Enabled:           boolEnv("ESCROW_TLS_ENABLED"),
			CertFile:          envOr("ESCROW_TLS_CERT_FILE", ""),
			KeyFile:           envOr("ESCROW_TLS_KEY_FILE", ""),
			ClientCAFile:      envOr("ESCROW_TLS_CLIENT_CA_FILE", ""),
			RequireClientCert: boolEnv("ESCROW_TLS_REQUIRE_CLIENT_CERT"),
			MinVersionTLS13:   boolEnv("ESCROW_TLS_MIN_TLS13"),
		},
		JWT: JWT{
			Secret:     envOr("ESCROW_JWT_SECRET", DevJWTSecret),
			Keyset:     envOr("ESCROW_JWT_KEYSET", ""),
			KeysetFile: envOr("ESCROW_JWT_KEYSET_FILE", ""),
			ActiveKID:  envOr("ESCROW_JWT_ACTIVE_KID", ""),
		},
		Notify: Notify{
			Kind:         strings.ToLower(envOr("ESCROW_NOTIFY", "none")),
			RedisURL:     envOr("ESCROW_REDIS_URL", ""),
			RedisChannel: envOr("ESCROW_REDIS_CHANNEL", ""),
			KafkaBrokers: splitList(envOr("ESCROW_KAFKA_BROKERS", "")),
			KafkaTopic:   envOr("ESCROW_KAFKA_TOPIC", ""),
		},
		Policy: DefaultPolicy(),
	}

	ttl, err := time.ParseDuration(envOr("ESCROW_JWT_TTL", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: ESCROW_JWT_TTL: %v", ErrInvalidConfig, err)
	}
	cfg.JWT.TokenTTL = ttl

	if cfg.PolicyFile != "" {
		p, err := LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Policy = p
	}
	if raw := getenv("ESCROW_SWEEP_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: ESCROW_SWEEP_INTERVAL: %v", ErrInvalidConfig, err)
		}
		cfg.Policy.Sweeper.Interval = Duration{d}
	}
	if raw := getenv("ESCROW_SWEEP_BATCH"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: ESCROW_SWEEP_BATCH: %v", ErrInvalidConfig, err)
		}
		cfg.Policy.Sweeper.Batch = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPolicyFile decodes a TOML policy over the defaults, so a file may set
// only the values it cares about.
func LoadPolicyFile(path string) (Policy, error) {
	p := DefaultPolicy()
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: policy file %s: %v", ErrInvalidConfig, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Policy{}, fmt.Errorf("%w: policy file %s: unknown keys %v", ErrInvalidConfig, path, undecoded)
	}
	return p, nil
}

func (p Policy) Validate() error {
	w := p.Withdrawal
	switch {
	case w.Min <= 0:
		return fmt.Errorf("%w: withdrawal min must be positive", ErrInvalidConfig)
	case w.Max < w.Min:
		return fmt.Errorf("%w: withdrawal max %d is below min %d", ErrInvalidConfig, w.Max, w.Min)
	case w.DailyCap < w.Max:
		return fmt.Errorf("%w: withdrawal daily cap %d is below max %d", ErrInvalidConfig, w.DailyCap, w.Max)
	case w.Window.Duration <= 0:
		return fmt.Errorf("%w: withdrawal window must be positive", ErrInvalidConfig)
	case p.Sweeper.Interval.Duration <= 0:
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	case p.Sweeper.Batch <= 0:
		return fmt.Errorf("%w: sweep batch must be positive", ErrInvalidConfig)
	case p.Engine.MaxAttempts < 1:
		return fmt.Errorf("%w: engine max_attempts must be at least 1", ErrInvalidConfig)
	case p.Escrow.DefaultHold.Duration <= 0:
		return fmt.Errorf("%w: default hold must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	switch c.Notify.Kind {
	case "none":
	case "redis":
		if c.Notify.RedisURL == "" {
			return fmt.Errorf("%w: ESCROW_NOTIFY=redis requires ESCROW_REDIS_URL", ErrInvalidConfig)
		}
	case "kafka":
		if len(c.Notify.KafkaBrokers) == 0 {
			return fmt.Errorf("%w: ESCROW_NOTIFY=kafka requires ESCROW_KAFKA_BROKERS", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown ESCROW_NOTIFY %q", ErrInvalidConfig, c.Notify.Kind)
	}
	if c.JWT.TokenTTL <= 0 {
		return fmt.Errorf("%w: ESCROW_JWT_TTL must be positive", ErrInvalidConfig)
	}
	return c.validateStrict()
}

func (c Config) validateStrict() error {
	if !c.Strict {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: ESCROW_DATABASE_URL is required", ErrStrictRuntime)
	}
	if !c.TLS.Enabled {
		return fmt.Errorf("%w: ESCROW_TLS_ENABLED must be true", ErrStrictRuntime)
	}
	if !c.JWT.HasKeyset() && (strings.TrimSpace(c.JWT.Secret) == "" || c.JWT.Secret == DevJWTSecret) {
		return fmt.Errorf("%w: set ESCROW_JWT_SECRET or a jwt keyset", ErrStrictRuntime)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
