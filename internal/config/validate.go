package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/workfarm/internal/serializer"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// Validate checks the whole configuration file.
func (c *Config) Validate() error {
	verr := &ValidationError{}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Service.LogLevel)] {
		verr.add("service.log_level must be one of: debug, info, warn, error (got %q)", c.Service.LogLevel)
	}

	if err := c.Farm.Validate(); err != nil {
		var fe *ValidationError
		if errors.As(err, &fe) {
			for _, p := range fe.Problems {
				verr.add("farm.%s", p)
			}
		} else {
			verr.add("farm: %v", err)
		}
	}

	if c.API.Enabled {
		if c.API.Listen == "" {
			verr.add("api.listen is required when api is enabled")
		}
		if m := envVarPattern.FindStringSubmatch(c.API.APIKey); len(m) > 1 {
			verr.add("api.api_key: environment variable ${%s} is not set", m[1])
		}
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		verr.add("journal.path is required when journal is enabled")
	}

	return verr.orNil()
}

// Validate checks farm options. A farm must never be built from options that fail here.
func (f *Farm) Validate() error {
	verr := &ValidationError{}

	if f.Module == "" {
		verr.add("module is required")
	} else if info, err := os.Stat(f.Module); err != nil {
		verr.add("module doesn't exist: %s", f.Module)
	} else if !info.Mode().IsRegular() {
		verr.add("module isn't a file: %s", f.Module)
	} else if f.ModuleDigest != "" {
		if err := VerifyModuleDigest(f.Module, f.ModuleDigest); err != nil {
			verr.add("module_digest: %v", err)
		}
	}

	if f.NumberOfWorkers <= 0 {
		verr.add("number_of_workers should be > 0: %d", f.NumberOfWorkers)
	}
	if !positiveOrUnbounded(f.MaxConcurrentCalls) {
		verr.add("max_concurrent_calls should be > 0 or %d: %d", Unbounded, f.MaxConcurrentCalls)
	}
	if f.MaxConcurrentCallsPerWorker <= 0 {
		verr.add("max_concurrent_calls_per_worker should be > 0: %d", f.MaxConcurrentCallsPerWorker)
	}
	if f.MaxRetries < 0 && f.MaxRetries != Unbounded {
		verr.add("max_retries should be >= 0 or %d: %d", Unbounded, f.MaxRetries)
	}
	if !positiveOrUnbounded(f.TTL) {
		verr.add("ttl should be > 0 or %d: %d", Unbounded, f.TTL)
	}
	if f.Timeout < 0 {
		verr.add("timeout should be >= 0: %s", f.Timeout)
	}
	if f.KillTimeout <= 0 {
		verr.add("kill_timeout should be > 0: %s", f.KillTimeout)
	}
	if f.MaxIdleTime < 0 {
		verr.add("max_idle_time should be >= 0: %s", f.MaxIdleTime)
	}
	if f.RespawnDelay < 0 {
		verr.add("respawn_delay should be >= 0: %s", f.RespawnDelay)
	}
	if _, err := serializer.Lookup(f.Serializer); err != nil {
		verr.add("serializer: %v", err)
	}

	switch f.Fork.Stdio {
	case StdioInherit, StdioSilent:
	default:
		verr.add("fork.stdio must be %q or %q (got %q)", StdioInherit, StdioSilent, f.Fork.Stdio)
	}
	if f.Fork.Dir != "" {
		if info, err := os.Stat(f.Fork.Dir); err != nil || !info.IsDir() {
			verr.add("fork.dir isn't a directory: %s", f.Fork.Dir)
		}
	}

	return verr.orNil()
}

func positiveOrUnbounded(n int) bool {
	return n > 0 || n == Unbounded
}
