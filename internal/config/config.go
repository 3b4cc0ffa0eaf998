// Package config loads the optional JSON configuration file shared by the
// autosave binaries. Files are checked against an embedded JSON Schema before
// they are decoded.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/agentworkforce/autosave/internal/autosave"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://agentworkforce.dev/schemas/autosave-config.json"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	ListenAddr        string   `json:"listenAddr"`
	StoreDSN          string   `json:"storeDsn"`
	JWTSecret         string   `json:"jwtSecret"`
	LogLevel          string   `json:"logLevel"`
	RateLimitMax      int      `json:"rateLimitMax"`
	RateLimitWindowMs int      `json:"rateLimitWindowMs"`
	MaxBodyBytes      int64    `json:"maxBodyBytes"`
	Autosave          Autosave `json:"autosave"`
}

// Autosave mirrors autosave.Options. Durations are milliseconds.
type Autosave struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	DebounceMs       int    `json:"debounceMs"`
	MaxRetries       int    `json:"maxRetries"`
	RetryDelayMs     int    `json:"retryDelayMs"`
	CommitTimeoutMs  int    `json:"commitTimeoutMs"`
	ConflictStrategy string `json:"conflictStrategy"`
}

// Default returns the configuration used when neither a file nor the
// environment says otherwise.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		LogLevel:          "info",
		RateLimitWindowMs: int(time.Minute / time.Millisecond),
		MaxBodyBytes:      1 << 20,
		Autosave: Autosave{
			DebounceMs:       int(autosave.DefaultDebounce / time.Millisecond),
			MaxRetries:       autosave.DefaultMaxRetries,
			RetryDelayMs:     int(autosave.DefaultRetryDelay / time.Millisecond),
			ConflictStrategy: string(autosave.DefaultConflictStrategy),
		},
	}
}

// Load reads path and overlays it on base. Fields missing from the file keep
// the value from base.
func Load(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	return Parse(data, base)
}

func Parse(data []byte, base Config) (Config, error) {
	if err := Validate(data); err != nil {
		return base, err
	}
	cfg := base
	if err := json.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Validate checks a raw config document against the embedded schema.
func Validate(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
}

// EngineOptions turns the autosave section into engine options. The caller
// still supplies the store and any hooks.
func (c Config) EngineOptions(store autosave.NoteStore) (autosave.Options, error) {
	strategy, err := autosave.ParseStrategy(c.Autosave.ConflictStrategy)
	if err != nil {
		return autosave.Options{}, err
	}
	maxRetries := c.Autosave.MaxRetries
	return autosave.Options{
		Store:            store,
		Enabled:          c.Autosave.Enabled,
		Debounce:         millis(c.Autosave.DebounceMs),
		MaxRetries:       &maxRetries,
		RetryDelay:       millis(c.Autosave.RetryDelayMs),
		CommitTimeout:    millis(c.Autosave.CommitTimeoutMs),
		ConflictStrategy: strategy,
	}, nil
}

func (c Config) RateLimitWindow() time.Duration {
	return millis(c.RateLimitWindowMs)
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
