package config

import "fmt"

// Verbosity controls how much run-time feedback reaches the user.
type Verbosity int

const (
	VerbositySilent Verbosity = iota
	VerbosityProgress
	VerbositySummary
	VerbosityDetailed
	VerbosityComplete
	VerbosityDebug
)

var verbosityNames = map[string]Verbosity{
	"silent":   VerbositySilent,
	"progress": VerbosityProgress,
	"summary":  VerbositySummary,
	"detailed": VerbosityDetailed,
	"complete": VerbosityComplete,
	"debug":    VerbosityDebug,
}

// ParseVerbosity converts a string level to a Verbosity. Unknown values
// default to progress.
func ParseVerbosity(s string) Verbosity {
	if v, ok := verbosityNames[s]; ok {
		return v
	}
	return VerbosityProgress
}

func (v Verbosity) String() string {
	for name, val := range verbosityNames {
		if val == v {
			return name
		}
	}
	return "progress"
}

// PersistenceMode decides how a configured repository is used at run start.
type PersistenceMode string

const (
	// PersistenceResume loads the most recent session and continues it.
	PersistenceResume PersistenceMode = "resume"
	// PersistenceOverwrite starts a fresh conversation every run.
	PersistenceOverwrite PersistenceMode = "overwrite"
)

// Options carries "how to run it": the plain-data half of the runtime
// options. Live collaborators (cache, repository, tool registry, console)
// are injected where they are consumed.
type Options struct {
	ProjectName     string          `json:"project_name,omitempty" yaml:"project_name,omitempty"`
	Verbosity       Verbosity       `json:"verbosity,omitempty" yaml:"verbosity,omitempty"`
	PersistenceMode PersistenceMode `json:"persistence_mode,omitempty" yaml:"persistence_mode,omitempty"`

	// MaxHistory caps the number of non-system messages kept when a prior
	// conversation is reloaded. Zero disables pruning.
	MaxHistory int `json:"max_history,omitempty" yaml:"max_history,omitempty"`

	// CachePath points at the local cache database. Empty disables caching.
	CachePath string `json:"cache_path,omitempty" yaml:"cache_path,omitempty"`
}

// SetDefaults applies default values.
func (o *Options) SetDefaults() {
	if o.ProjectName == "" {
		o.ProjectName = "default"
	}
	if o.PersistenceMode == "" {
		o.PersistenceMode = PersistenceResume
	}
}

// Validate checks the runtime options.
func (o *Options) Validate() error {
	switch o.PersistenceMode {
	case PersistenceResume, PersistenceOverwrite:
	default:
		return fmt.Errorf("unknown persistence mode: %s", o.PersistenceMode)
	}
	if o.MaxHistory < 0 {
		return fmt.Errorf("max_history cannot be negative")
	}
	return nil
}
