// Package config loads the YAML configuration and validates it against an
// embedded CUE schema.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

const (
	DefaultPageSize      = 250
	DefaultTimeout       = 10 * time.Second
	DefaultRatePerSecond = 5.0
	DefaultNetwork       = "regtest"
)

// Config is the decoded configuration file.
type Config struct {
	DBPath     string    `yaml:"db_path"`
	SeedHex    string    `yaml:"seed_hex"`
	Network    string    `yaml:"network"`
	Broker     Broker    `yaml:"broker"`
	Core       Core      `yaml:"core"`
	Directory  Directory `yaml:"directory"`
	Restore    Restore   `yaml:"restore"`
	Delivery   Timeout   `yaml:"delivery"`
	Settlement Timeout   `yaml:"settlement"`
	Metrics    Metrics   `yaml:"metrics"`
}

type Broker struct {
	URL      string `yaml:"url"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Core struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Directory struct {
	URL           string  `yaml:"url"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

type Restore struct {
	PageSize int           `yaml:"page_size"`
	Watchdog time.Duration `yaml:"watchdog"`
}

type Timeout struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

// ValidationError is a schema violation at a position in the config file.
type ValidationError struct {
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Load reads, validates and decodes the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates and decodes data. filename is only used in errors.
func Parse(filename string, data []byte) (*Config, error) {
	if errs := Validate(filename, data); len(errs) > 0 {
		return nil, errs[0]
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filename, err)
	}
	c.applyDefaults()
	return &c, nil
}

// Validate checks data against the schema and returns every violation.
func Validate(filename string, data []byte) []error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return []error{fmt.Errorf("compile schema: %w", err)}
	}

	f, err := cueyaml.Extract(filename, data)
	if err != nil {
		return positioned(filename, err)
	}
	doc := ctx.BuildFile(f)
	if err := doc.Err(); err != nil {
		return positioned(filename, err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	return positioned(filename, v.Validate(cue.Concrete(true)))
}

// positioned flattens a CUE error list into ValidationErrors, preferring
// positions inside the config file over positions in the schema.
func positioned(filename string, err error) []error {
	if err == nil {
		return nil
	}
	var out []error
	for _, e := range errors.Errors(err) {
		msg := e.Error()
		if path := strings.Join(e.Path(), "."); path != "" && !strings.Contains(msg, path) {
			msg = path + ": " + msg
		}
		ve := &ValidationError{Message: msg}
		for _, pos := range errors.Positions(e) {
			if !ve.Pos.IsValid() || pos.Filename() == filename {
				ve.Pos = pos
			}
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, err)
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.Restore.PageSize == 0 {
		c.Restore.PageSize = DefaultPageSize
	}
	for _, d := range []*time.Duration{
		&c.Core.Timeout,
		&c.Restore.Watchdog,
		&c.Delivery.Timeout,
		&c.Settlement.Timeout,
	} {
		if *d == 0 {
			*d = DefaultTimeout
		}
	}
	if c.Directory.RatePerSecond == 0 {
		c.Directory.RatePerSecond = DefaultRatePerSecond
	}
}
