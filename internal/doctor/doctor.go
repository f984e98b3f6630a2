// Package doctor checks a workfarm configuration before it is served.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattjoyce/workfarm/internal/config"
	"github.com/mattjoyce/workfarm/internal/events"
	"github.com/mattjoyce/workfarm/internal/farm"
	"github.com/mattjoyce/workfarm/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid        bool    `json:"valid"`
	ModuleDigest string  `json:"module_digest,omitempty"`
	Errors       []Issue `json:"errors,omitempty"`
	Warnings     []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all static checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.validateModule(r)
	d.validateExecPath(r)
	d.validateJournal(r)
	d.warnAPIAuth(r)
	d.warnCapacity(r)
	d.warnRetries(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateConfig reports every problem config.Validate finds.
func (d *Doctor) validateConfig(r *Result) {
	err := d.cfg.Validate()
	if err == nil {
		return
	}
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		d.addError(r, "config", "", err.Error())
		return
	}
	for _, p := range verr.Problems {
		field, _, _ := strings.Cut(p, " ")
		d.addError(r, "config", strings.TrimSuffix(field, ":"), p)
	}
}

// validateModule records the module digest and checks it can be executed.
func (d *Doctor) validateModule(r *Result) {
	f := d.cfg.Farm
	info, err := os.Stat(f.Module)
	if err != nil || !info.Mode().IsRegular() {
		return // already reported by validateConfig
	}

	digest, err := config.ModuleDigest(f.Module)
	if err != nil {
		d.addError(r, "module", "farm.module", err.Error())
		return
	}
	r.ModuleDigest = digest

	if f.Fork.ExecPath == "" && info.Mode().Perm()&0o111 == 0 {
		d.addError(r, "module", "farm.module",
			fmt.Sprintf("module %s is not executable and no fork.exec_path is set", f.Module))
	}
	if f.ModuleDigest == "" {
		d.addWarning(r, "module", "farm.module_digest",
			"module is not pinned; set module_digest to "+digest+" to detect replaced builds")
	}
}

// validateExecPath checks that an interpreter named by fork.exec_path resolves.
func (d *Doctor) validateExecPath(r *Result) {
	p := d.cfg.Farm.Fork.ExecPath
	if p == "" {
		return
	}
	if _, err := exec.LookPath(p); err != nil {
		d.addError(r, "module", "farm.fork.exec_path", fmt.Sprintf("exec_path %q not found: %v", p, err))
	}
}

// validateJournal rejects journal paths SQLite cannot lock safely.
func (d *Doctor) validateJournal(r *Result) {
	j := d.cfg.Journal
	if !j.Enabled || j.Path == "" || j.Path == ":memory:" {
		return
	}
	if err := storage.CheckLocalFilesystem(j.Path); err != nil {
		d.addError(r, "journal", "journal.path", err.Error())
	}
}

func (d *Doctor) warnAPIAuth(r *Result) {
	if d.cfg.API.Enabled && d.cfg.API.APIKey == "" {
		d.addWarning(r, "api", "api.api_key",
			"API enabled without api_key; every route except /healthz will answer 401")
	}
}

// warnCapacity flags a global limit that leaves worker slots permanently idle.
func (d *Doctor) warnCapacity(r *Result) {
	f := d.cfg.Farm
	if f.MaxConcurrentCalls == config.Unbounded || f.NumberOfWorkers <= 0 || f.MaxConcurrentCallsPerWorker <= 0 {
		return
	}
	if slots := f.NumberOfWorkers * f.MaxConcurrentCallsPerWorker; f.MaxConcurrentCalls < slots {
		d.addWarning(r, "farm", "farm.max_concurrent_calls",
			fmt.Sprintf("max_concurrent_calls %d is below worker capacity %d; extra workers never run calls",
				f.MaxConcurrentCalls, slots))
	}
}

func (d *Doctor) warnRetries(r *Result) {
	if d.cfg.Farm.MaxRetries == config.Unbounded {
		d.addWarning(r, "farm", "farm.max_retries",
			"max_retries is unbounded; a call that always fails is retried forever")
	}
}

// Probe starts a one-worker farm and waits for the module to load. It catches
// modules that exist but do not speak the protocol or fail their own setup.
func Probe(ctx context.Context, cfg config.Farm, timeout time.Duration) error {
	cfg.NumberOfWorkers = 1
	cfg.MaxIdleTime = 0

	hub := events.NewHub(64)
	ch, cancel := hub.SubscribeBuffered(64)
	defer cancel()

	f, err := farm.New(cfg, farm.WithHub(hub))
	if err != nil {
		return err
	}
	defer func() {
		killCtx, cancel := context.WithTimeout(context.Background(), cfg.KillTimeout+5*time.Second)
		defer cancel()
		_ = f.Kill(killCtx)
	}()

	ctx, cancelWait := context.WithTimeout(ctx, timeout)
	defer cancelWait()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("module did not load within %s", timeout)
		case ev := <-ch:
			switch ev.Kind {
			case events.WorkerModuleLoaded:
				return nil
			case events.WorkerModuleLoadFailed:
				return fmt.Errorf("module failed to load: %s", ev.Err)
			case events.WorkerError:
				return fmt.Errorf("worker error: %s", ev.Err)
			case events.WorkerExit:
				return fmt.Errorf("worker exited before loading (code %d%s)", ev.ExitCode, signalSuffix(ev.Signal))
			}
		}
	}
}

func signalSuffix(sig string) string {
	if sig == "" {
		return ""
	}
	return ", signal " + sig
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}
	if r.ModuleDigest != "" {
		fmt.Fprintf(&b, "  module digest: %s\n", r.ModuleDigest)
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
	} else {
		fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
