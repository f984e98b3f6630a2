package config

import (
	"runtime"
	"time"
)

// Unbounded disables a numeric limit (max_concurrent_calls, max_retries, ttl).
const Unbounded = -1

// Stdio modes for worker processes.
const (
	StdioInherit = "inherit"
	StdioSilent  = "silent"
)

// Config represents the complete workfarm configuration file.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Farm    Farm          `yaml:"farm"`
	API     APIConfig     `yaml:"api,omitempty"`
	Journal JournalConfig `yaml:"journal,omitempty"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// Farm is the validated, fully-populated option set a farm is built from.
type Farm struct {
	// Module is the worker executable speaking the workfarm protocol.
	Module string `yaml:"module"`
	// ModuleDigest, when set, pins the module to a BLAKE3 digest.
	ModuleDigest string `yaml:"module_digest,omitempty"`

	NumberOfWorkers             int `yaml:"number_of_workers"`
	MaxConcurrentCalls          int `yaml:"max_concurrent_calls"`
	MaxConcurrentCallsPerWorker int `yaml:"max_concurrent_calls_per_worker"`
	MaxRetries                  int `yaml:"max_retries"`
	// TTL is the number of calls a worker may run before it is recycled.
	TTL int `yaml:"ttl"`

	// Timeout is the per-call deadline measured from dispatch. Zero means none.
	Timeout     time.Duration `yaml:"timeout"`
	KillTimeout time.Duration `yaml:"kill_timeout"`
	// MaxIdleTime retires a worker after this long without a call. Zero means never.
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	// RespawnDelay throttles replacement of workers that failed to spawn or load.
	RespawnDelay time.Duration `yaml:"respawn_delay"`

	Serializer string     `yaml:"serializer"`
	Fork       ForkConfig `yaml:"fork"`
}

// ForkConfig controls how worker processes are started.
//
// With ExecPath empty the module is executed directly. Otherwise the command line is
// ExecPath ExecArgs... Module Args..., which lets interpreted modules run.
type ForkConfig struct {
	ExecPath string            `yaml:"exec_path,omitempty"`
	ExecArgs []string          `yaml:"exec_args,omitempty"`
	Args     []string          `yaml:"args,omitempty"`
	Dir      string            `yaml:"dir,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Stdio    string            `yaml:"stdio"`
}

// APIConfig defines HTTP control API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// JournalConfig defines the call outcome journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "workfarm",
			LogLevel: "info",
		},
		Farm: DefaultFarm(),
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "./data/journal.db",
		},
	}
}

// DefaultFarm returns farm options with every limit at its default.
func DefaultFarm() Farm {
	return Farm{
		NumberOfWorkers:             runtime.NumCPU(),
		MaxConcurrentCalls:          Unbounded,
		MaxConcurrentCallsPerWorker: 10,
		MaxRetries:                  Unbounded,
		TTL:                         Unbounded,
		KillTimeout:                 500 * time.Millisecond,
		RespawnDelay:                time.Second,
		Serializer:                  "json",
		Fork: ForkConfig{
			Stdio: StdioInherit,
		},
	}
}
