package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

// defaults of the optional configuration fields
const (
	DefaultLogsDir      = "logs"
	DefaultPollInterval = "PT0.1S"
	DefaultRetention    = "PT5M"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Service Service `json:"service" yaml:"service"`
	Cache   Cache   `json:"cache" yaml:"cache"`
	Runner  Runner  `json:"runner" yaml:"runner"`
	Plan    Plan    `json:"plan" yaml:"plan"`
}

type Service struct {
	Verbose      bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log          string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	LogsDir      string `json:"logs_dir,omitempty" yaml:"logs_dir,omitempty"`
	DB           string `json:"db,omitempty" yaml:"db,omitempty"` // sqlite execution history, empty disables it
	PollInterval string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
}

// Cache configures the in-memory log buffer.
type Cache struct {
	Retention string `json:"retention,omitempty" yaml:"retention,omitempty"`
	Sweep     string `json:"sweep,omitempty" yaml:"sweep,omitempty"`
}

// Runner describes the external program executing the plans.
type Runner struct {
	Path          string   `json:"path" yaml:"path"`
	Home          string   `json:"home,omitempty" yaml:"home,omitempty"`
	Timeout       string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ModulesDir    string   `json:"modules_dir,omitempty" yaml:"modules_dir,omitempty"`
	StrictModules bool     `json:"strict_modules,omitempty" yaml:"strict_modules,omitempty"`
	Switches      Switches `json:"switches" yaml:"switches"`
}

// Switches are the command line switches understood by the runner.
type Switches struct {
	Run      string `json:"run,omitempty" yaml:"run,omitempty"`
	Config   string `json:"config,omitempty" yaml:"config,omitempty"`
	Init     string `json:"init,omitempty" yaml:"init,omitempty"`
	User     string `json:"user,omitempty" yaml:"user,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

type Plan struct {
	Template string `json:"template,omitempty" yaml:"template,omitempty"`
	Backup   *bool  `json:"backup,omitempty" yaml:"backup,omitempty"`
}

// DefaultConfig is stored when no configuration exists yet.
func DefaultConfig() Config {
	return Config{
		Runner: Runner{Path: "runner"},
	}.Defaults()
}

// Defaults returns a copy of the configuration with every empty optional
// field set to its default value.
func (c Config) Defaults() Config {
	if c.Service.Log == "" {
		c.Service.Log = LogStderr
	}
	if c.Service.LogsDir == "" {
		c.Service.LogsDir = DefaultLogsDir
	}
	if c.Service.PollInterval == "" {
		c.Service.PollInterval = DefaultPollInterval
	}
	if c.Cache.Retention == "" {
		c.Cache.Retention = DefaultRetention
	}
	sw := &c.Runner.Switches
	setDefault(&sw.Run, "-run")
	setDefault(&sw.Config, "-config")
	setDefault(&sw.Init, "-init")
	setDefault(&sw.User, "-user")
	setDefault(&sw.Password, "-password")
	if c.Plan.Backup == nil {
		backup := true
		c.Plan.Backup = &backup
	}
	return c
}

func setDefault(s *string, value string) {
	if *s == "" {
		*s = value
	}
}

// RetentionWindow returns the parsed cache.retention.
func (c Cache) RetentionWindow() (time.Duration, error) {
	return parseDuration("cache.retention", c.Retention)
}

// PollEvery returns the parsed service.poll_interval.
func (s Service) PollEvery() (time.Duration, error) {
	return parseDuration("service.poll_interval", s.PollInterval)
}

// TimeoutDuration returns the parsed runner.timeout, zero means no timeout.
func (r Runner) TimeoutDuration() (time.Duration, error) {
	return parseDuration("runner.timeout", r.Timeout)
}

// BackupEnabled reports plan.backup, true when unset.
func (p Plan) BackupEnabled() bool {
	return p.Backup == nil || *p.Backup
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := ParseISODuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", name, value, err)
	}
	return d, nil
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Defaults are applied to the result.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	out = out.Defaults()

	if _, err := out.Cache.RetentionWindow(); err != nil {
		return nil, err
	}
	if _, err := out.Service.PollEvery(); err != nil {
		return nil, err
	}
	if _, err := out.Runner.TimeoutDuration(); err != nil {
		return nil, err
	}
	if out.Cache.Sweep != "" {
		if _, err := ParseSchedule(out.Cache.Sweep); err != nil {
			return nil, fmt.Errorf("parsing cache.sweep: %w", err)
		}
	}
	return &out, nil
}
