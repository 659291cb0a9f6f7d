// Package config loads daemon configuration from environment variables.
//
// All settings carry defaults from DEFAULT_APP_CONFIG and can be overridden
// with ZEN_-prefixed variables; underscores in a variable name select nested
// fields (ZEN_FILTER_BUDGET -> filter.budget). List values split on spaces
// or commas.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/anassk/zenflowd/internal/zen/common/utils"
)

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	Log       LoggingConfig   `koanf:"log"`
	Filter    FilterConfig    `koanf:"filter"`
	Focus     FocusConfig     `koanf:"focus"`
	Rules     RulesConfig     `koanf:"rules"`
	Discovery DiscoveryConfig `koanf:"discovery"`
	Browser   BrowserConfig   `koanf:"browser"`
	Control   ControlConfig   `koanf:"control"`
	Storage   StorageConfig   `koanf:"storage"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level controls log verbosity: "debug", "info", "warn", or "error".
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

// FilterConfig tunes the packet path: which kernel queue to bind, how long a
// verdict may take, and how flows are remembered.
type FilterConfig struct {
	// Queue is the NFQUEUE number the daemon binds to.
	Queue uint16 `koanf:"queue"`

	// Mark is the packet mark set on accepted packets so the firewall can
	// skip re-queueing them. Zero disables marking.
	Mark uint32 `koanf:"mark"`

	// Budget bounds how long classifying a single packet may take before
	// the fallback policy applies.
	Budget time.Duration `koanf:"budget" validate:"required,gt=0"`

	// Fallback is the verdict when no hostname can be extracted in time:
	// "allow" or "block".
	Fallback string `koanf:"fallback" validate:"required,oneof=allow block"`

	// Grace is how long a new flow may go unclassified before the fallback
	// applies to it.
	Grace time.Duration `koanf:"grace" validate:"required,gt=0"`

	// TTL is how long an idle flow's verdict is remembered.
	TTL time.Duration `koanf:"ttl" validate:"required,gt=0"`

	// Flows caps the flow table size.
	Flows int `koanf:"flows" validate:"required,gte=1"`
}

// FocusConfig shapes the pomodoro cycle.
type FocusConfig struct {
	// Work is the length of a work session.
	Work time.Duration `koanf:"work" validate:"required,gt=0"`

	// Short is the length of a short break.
	Short time.Duration `koanf:"short" validate:"required,gt=0"`

	// Long is the length of a long break.
	Long time.Duration `koanf:"long" validate:"required,gt=0"`

	// Cadence is how many work sessions complete before a long break.
	Cadence int `koanf:"cadence" validate:"required,gte=1,lte=12"`

	// Tick is the period of the timer loop that checks for natural
	// session completion.
	Tick time.Duration `koanf:"tick" validate:"required,gt=0"`

	// Goal is the number of completed work sessions that counts as a full
	// day, reported alongside daily stats.
	Goal int `koanf:"goal" validate:"required,gte=1"`
}

// RulesConfig names the built-in rule sets and seeds the allowlist.
type RulesConfig struct {
	// Work is the name of the default-block rule set active during work
	// sessions.
	Work string `koanf:"work" validate:"required"`

	// Rest is the name of the default-allow rule set active otherwise.
	Rest string `koanf:"rest" validate:"required,nefield=Work"`

	// Allowlist seeds the work set with always-allowed domains on first
	// run.
	Allowlist []string `koanf:"allowlist" validate:"omitempty,dive,domain"`

	Cache CacheConfig `koanf:"cache"`

	// FPRate is the bloom filter false-positive target per rule set.
	FPRate float64 `koanf:"fprate" validate:"required,gt=0,lt=1"`
}

// CacheConfig sizes a decision cache.
type CacheConfig struct {
	// Size is the per-snapshot decision cache capacity. Zero disables the
	// cache.
	Size int `koanf:"size" validate:"gte=0"`
}

// DiscoveryConfig bounds domain discovery runs.
type DiscoveryConfig struct {
	// Timeout bounds the observation of a single seed page.
	Timeout time.Duration `koanf:"timeout" validate:"required,gt=0"`

	// Cap limits how many candidates a run may retain.
	Cap int `koanf:"cap" validate:"required,gte=1"`
}

// BrowserConfig controls the headless browser used for discovery.
type BrowserConfig struct {
	// Binary is the browser executable to launch.
	Binary string `koanf:"binary" validate:"required"`

	// Settle is how long to keep collecting requests after a page's load
	// event fires.
	Settle time.Duration `koanf:"settle" validate:"required,gt=0"`

	// Launch bounds how long the browser may take to expose its devtools
	// endpoint.
	Launch time.Duration `koanf:"launch" validate:"required,gt=0"`
}

// ControlConfig locates the local control API.
type ControlConfig struct {
	// Socket is the unix socket path the control API listens on.
	Socket string `koanf:"socket" validate:"required"`
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	// Path is the bbolt database file holding rule sets and history.
	Path string `koanf:"path" validate:"required"`
}

// DEFAULT_APP_CONFIG defines the default application configuration for the
// daemon: queue 1, a 25ms classification budget with an allow fallback, the
// classic 25/5/15 pomodoro cycle, and the starter allowlist seeded into the
// work set on first run.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LoggingConfig{Level: "info"},
	Filter: FilterConfig{
		Queue:    1,
		Mark:     0,
		Budget:   25 * time.Millisecond,
		Fallback: "allow",
		Grace:    2 * time.Second,
		TTL:      5 * time.Minute,
		Flows:    4096,
	},
	Focus: FocusConfig{
		Work:    25 * time.Minute,
		Short:   5 * time.Minute,
		Long:    15 * time.Minute,
		Cadence: 4,
		Tick:    time.Second,
		Goal:    8,
	},
	Rules: RulesConfig{
		Work:      "focus",
		Rest:      "rest",
		Allowlist: []string{"github.com", "stackoverflow.com", "docs.python.org"},
		Cache:     CacheConfig{Size: 1000},
		FPRate:    0.01,
	},
	Discovery: DiscoveryConfig{
		Timeout: 120 * time.Second,
		Cap:     100,
	},
	Browser: BrowserConfig{
		Binary: "chromium",
		Settle: 2 * time.Second,
		Launch: 20 * time.Second,
	},
	Control: ControlConfig{Socket: "/run/zenflow/zenflowd.sock"},
	Storage: StorageConfig{Path: "/var/lib/zenflow/zenflow.db"},
}

// validDomain validates that the field value is a well-formed hostname after
// canonicalization (lowercased, trailing dot stripped).
func validDomain(fl validator.FieldLevel) bool {
	return utils.ValidHostname(utils.CanonicalHostname(fl.Field().String()))
}

// envLoader is a function that loads environment variables with the prefix
// "ZEN_". It lowercases keys, maps underscores to config path separators,
// and splits list values. It can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	// Load environment variables with prefix "ZEN_".
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "ZEN_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "ZEN_"))
			key = strings.ReplaceAll(key, "_", ".")
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads default configuration values into the provided Koanf
// instance using the structs provider and the DEFAULT_APP_CONFIG struct. It
// returns an error if loading fails.
var defaultLoader = func(k *koanf.Koanf) error {
	// Load default values using structs provider.
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the custom "domain" validation used for
// allowlist entries. Returns an error if registration fails.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("domain", validDomain)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	// Load default values using structs provider.
	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	// Load environment variables with prefix "ZEN_".
	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig

	// Unmarshal the loaded configuration into AppConfig struct.
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	// Validate the configuration.
	validate := validator.New(validator.WithRequiredStructEnabled())

	// Register the custom validation for domain names.
	err = registerValidation(validate)
	if err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
