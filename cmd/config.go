package cmd

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"db-carve/internal/dialect"
	"db-carve/internal/router"
	"db-carve/internal/target"
	"db-carve/internal/verify"
)

type SourceConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Schema string `mapstructure:"schema"`
}

type TargetConfig struct {
	Name   string   `mapstructure:"name"`
	Driver string   `mapstructure:"driver"`
	DSN    string   `mapstructure:"dsn"`
	Tables []string `mapstructure:"tables"`
}

type SettingsConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	Workers         int           `mapstructure:"workers"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
	StateFile       string        `mapstructure:"state_file"`
	Checksums       bool          `mapstructure:"verify_checksums"`
	AllowUnassigned bool          `mapstructure:"allow_unassigned"`
}

// RunConfig is the full shape of db-carve.yaml: one source, one or more
// targets each claiming a set of tables, optional declared edges for
// sources whose FK metadata is incomplete, and tuning knobs.
type RunConfig struct {
	Source   SourceConfig   `mapstructure:"source"`
	Targets  []TargetConfig `mapstructure:"targets"`
	Edges    []router.Edge  `mapstructure:"edges"`
	Settings SettingsConfig `mapstructure:"settings"`
}

// LoadRunConfig unmarshals and validates the active configuration.
func LoadRunConfig() (*RunConfig, error) {
	var cfg RunConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Source.DSN == "" {
		return nil, fmt.Errorf("source.dsn is required")
	}
	if cfg.Source.Driver == "" {
		return nil, fmt.Errorf("source.driver is required")
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}

	seen := map[string]bool{}
	claimed := map[string]string{}
	for i, t := range cfg.Targets {
		if t.Name == "" {
			return nil, fmt.Errorf("targets[%d] has no name", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate target name %s", t.Name)
		}
		seen[t.Name] = true
		if t.Driver == "" || t.DSN == "" {
			return nil, fmt.Errorf("target %s needs both driver and dsn", t.Name)
		}
		for _, table := range t.Tables {
			table = strings.ToLower(table)
			if owner, ok := claimed[table]; ok {
				return nil, fmt.Errorf("table %s claimed by both %s and %s", table, owner, t.Name)
			}
			claimed[table] = t.Name
		}
	}

	if stateFile != "" {
		cfg.Settings.StateFile = stateFile
	}
	return &cfg, nil
}

// Assignments flattens the per-target table lists into the router's
// table → target map. Table names are matched lower-case, the way the
// analyzer reports them.
func (c *RunConfig) Assignments() map[string]string {
	out := map[string]string{}
	for _, t := range c.Targets {
		for _, table := range t.Tables {
			out[strings.ToLower(table)] = t.Name
		}
	}
	return out
}

// openDB opens a connection and resolves its dialect in one step.
func openDB(driver, dsn string) (*sql.DB, dialect.Dialect, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}
	return db, dialect.GetDialect(driver), nil
}

// openSource connects to the monolith and verifies it is reachable.
func openSource(cfg *RunConfig) (*sql.DB, dialect.Dialect, error) {
	db, d, err := openDB(cfg.Source.Driver, cfg.Source.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("source unreachable: %w", err)
	}
	return db, d, nil
}

// openWriters connects every configured target, returning both the load
// writers and the raw sides the verifier reads through. On any failure the
// already opened connections are closed before returning.
func openWriters(cfg *RunConfig) (map[string]*target.Writer, map[string]verify.Side, func(), error) {
	writers := map[string]*target.Writer{}
	sides := map[string]verify.Side{}
	var dbs []*sql.DB
	closeAll := func() {
		for _, db := range dbs {
			db.Close()
		}
	}
	for _, t := range cfg.Targets {
		db, d, err := openDB(t.Driver, t.DSN)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		dbs = append(dbs, db)
		writers[t.Name] = target.NewWriter(t.Name, db, d)
		sides[t.Name] = verify.Side{DB: db, Dialect: d}
	}
	return writers, sides, closeAll, nil
}
