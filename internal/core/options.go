package core

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Options are process-wide runtime tuning defaults: pool sizing, busy-retry
// ceiling, checkpoint cadence, migration step size. They are orthogonal to
// the per-handle Configuration/ConfigRegistry of §4.2, which governs what
// gets invoked on a single handle rather than how the pool and coordinator
// behave as a whole.
type Options struct {
	MaxHandles         int
	BusyRetryCeiling   time.Duration
	MainThreadTimeout  time.Duration
	CheckpointInterval time.Duration
	MigrationStepRows  int
}

// DefaultOptions mirrors the built-in defaults a fresh Database.Open gets
// when the caller passes a zero-value Options and no environment overrides
// or lattice.yaml are present.
func DefaultOptions() Options {
	return Options{
		MaxHandles:         16,
		BusyRetryCeiling:   5 * time.Second,
		MainThreadTimeout:  250 * time.Millisecond,
		CheckpointInterval: 5 * time.Minute,
		MigrationStepRows:  100,
	}
}

// LoadOptions resolves runtime options with precedence explicit > env
// (LATTICE_*) > lattice.yaml in the working directory (or a config
// directory walked up from it) > DefaultOptions. explicit fields left at
// their zero value fall through to the lower-precedence sources, matching
// the corpus's viper bootstrap idiom (see the teacher's config.Initialize).
func LoadOptions(explicit Options) (Options, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("lattice")

	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; ; dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, "lattice.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				v.SetConfigFile(candidate)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
		}
	}

	v.SetEnvPrefix("LATTICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	def := DefaultOptions()
	v.SetDefault("max-handles", def.MaxHandles)
	v.SetDefault("busy-retry-ceiling", def.BusyRetryCeiling.String())
	v.SetDefault("main-thread-timeout", def.MainThreadTimeout.String())
	v.SetDefault("checkpoint-interval", def.CheckpointInterval.String())
	v.SetDefault("migration-step-rows", def.MigrationStepRows)

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Options{}, wrapError(KindError, SeverityError, err, "loading lattice.yaml")
		}
	}

	resolved := Options{
		MaxHandles:         v.GetInt("max-handles"),
		BusyRetryCeiling:   v.GetDuration("busy-retry-ceiling"),
		MainThreadTimeout:  v.GetDuration("main-thread-timeout"),
		CheckpointInterval: v.GetDuration("checkpoint-interval"),
		MigrationStepRows:  v.GetInt("migration-step-rows"),
	}

	if explicit.MaxHandles != 0 {
		resolved.MaxHandles = explicit.MaxHandles
	}
	if explicit.BusyRetryCeiling != 0 {
		resolved.BusyRetryCeiling = explicit.BusyRetryCeiling
	}
	if explicit.MainThreadTimeout != 0 {
		resolved.MainThreadTimeout = explicit.MainThreadTimeout
	}
	if explicit.CheckpointInterval != 0 {
		resolved.CheckpointInterval = explicit.CheckpointInterval
	}
	if explicit.MigrationStepRows != 0 {
		resolved.MigrationStepRows = explicit.MigrationStepRows
	}

	return resolved, nil
}
