// Package engine implements the control plane: it listens for ready work,
// claims queued items, runs the focus hook pipeline, and retires items.
package engine

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/animus/internal/common"
	"github.com/bobmcallan/animus/internal/models"
	"github.com/bobmcallan/animus/internal/services/faculty"
)

// FocusResult is the outcome of running a focus pipeline.
type FocusResult struct {
	// OutcomeData is the parsed outcome document on success.
	OutcomeData json.RawMessage
	// FailedPhase names the phase that failed; empty on success.
	FailedPhase string
	// Error describes the failure.
	Error string
	// DurationMS is the pipeline wall-clock time.
	DurationMS int64
}

// Completed reports whether the pipeline succeeded.
func (r FocusResult) Completed() bool { return r.FailedPhase == "" }

// Focus is the per-item execution context: a fresh working directory with
// the work item serialized into it.
type Focus struct {
	ID     uuid.UUID
	Dir    string
	Item   *models.WorkItem
	logger *common.Logger
}

// NewFocus creates the working directory and writes work.json into it.
func NewFocus(baseDir string, item *models.WorkItem, logger *common.Logger) (*Focus, error) {
	id := uuid.New()
	dir := filepath.Join(baseDir, id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create focus dir: %w", err)
	}

	workJSON, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize work item: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "work.json"), workJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write work.json: %w", err)
	}

	logger.Debug().
		Str("focus_id", id.String()).
		Str("work_id", item.ID.String()).
		Str("dir", dir).
		Msg("Focus created")

	return &Focus{ID: id, Dir: dir, Item: item, logger: logger}, nil
}

// Run executes the orient → engage → consolidate pipeline. Orient and
// consolidate are optional; a phase failure stops the pipeline immediately.
func (f *Focus) Run(fac *faculty.Meta) FocusResult {
	start := time.Now()

	type phase struct {
		name    string
		command string
	}
	var phases []phase
	if fac.Orient != nil {
		phases = append(phases, phase{"orient", fac.Orient.Command})
	}
	phases = append(phases, phase{"engage", fac.Engage.Command})
	if fac.Consolidate != nil {
		phases = append(phases, phase{"consolidate", fac.Consolidate.Command})
	}

	for _, p := range phases {
		phaseStart := time.Now()
		if err := f.runHook(fac.Name, p.name, p.command); err != nil {
			f.logger.Warn().
				Str("focus_id", f.ID.String()).
				Str("phase", p.name).
				Int64("duration_ms", time.Since(phaseStart).Milliseconds()).
				Err(err).
				Msg("Phase failed")
			return FocusResult{
				FailedPhase: p.name,
				Error:       err.Error(),
				DurationMS:  time.Since(start).Milliseconds(),
			}
		}
		f.logger.Info().
			Str("focus_id", f.ID.String()).
			Str("phase", p.name).
			Int64("duration_ms", time.Since(phaseStart).Milliseconds()).
			Msg("Phase completed")
	}

	// The final phase writes the outcome document. Prefer consolidate's
	// output, fall back to engage's.
	outcomePath := filepath.Join(f.Dir, "consolidate-out.json")
	if _, err := os.Stat(outcomePath); err != nil {
		outcomePath = filepath.Join(f.Dir, "engage-out.json")
	}

	content, err := os.ReadFile(outcomePath)
	if err != nil {
		return FocusResult{
			FailedPhase: "consolidate",
			Error:       fmt.Sprintf("missing outcome file: %v", err),
			DurationMS:  time.Since(start).Milliseconds(),
		}
	}
	if !json.Valid(content) {
		return FocusResult{
			FailedPhase: "consolidate",
			Error:       fmt.Sprintf("bad outcome file %s: invalid JSON", filepath.Base(outcomePath)),
			DurationMS:  time.Since(start).Milliseconds(),
		}
	}

	return FocusResult{
		OutcomeData: content,
		DurationMS:  time.Since(start).Milliseconds(),
	}
}

// runHook spawns one hook command with cwd set to the focus directory.
func (f *Focus) runHook(facultyName, phase, command string) error {
	// Relative commands resolve against the daemon's working directory, not
	// the focus dir. exec with Dir set would otherwise look inside the
	// focus dir.
	absCommand := command
	if !filepath.IsAbs(command) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve hook command: %w", err)
		}
		absCommand = filepath.Join(wd, command)
	}

	f.logger.Debug().
		Str("focus_id", f.ID.String()).
		Str("phase", phase).
		Str("command", absCommand).
		Msg("Running hook")

	cmd := exec.Command(absCommand)
	cmd.Dir = f.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"ANIMUS_FOCUS_DIR="+f.Dir,
		"ANIMUS_FACULTY="+facultyName,
		"ANIMUS_WORK_ID="+f.Item.ID.String(),
		"ANIMUS_PHASE="+phase,
	)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			return fmt.Errorf("%s hook exited with status %d", phase, exitErr.ExitCode())
		}
		return fmt.Errorf("%s hook: %w", phase, err)
	}
	return nil
}

// Cleanup removes the focus directory recursively.
func (f *Focus) Cleanup() error {
	if err := os.RemoveAll(f.Dir); err != nil {
		return err
	}
	f.logger.Debug().Str("focus_id", f.ID.String()).Msg("Focus cleaned up")
	return nil
}
