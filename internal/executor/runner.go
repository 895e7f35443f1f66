package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/vk/pipegridgo/internal/ctxlog"
	"github.com/vk/pipegridgo/internal/stage"
)

// runAndReport executes one stage's command as a subprocess and delivers
// the outcome to the server. The subprocess is not killed when the run
// context is cancelled mid-stage; once dispatched, a stage runs to
// completion or dies with this process.
func (e *Executor) runAndReport(ctx context.Context, st *stage.Stage) {
	logger := ctxlog.FromContext(ctx).With("stageID", st.ID, "command", st.Command[0])
	logger.Info("🚀 Running stage.")

	start := time.Now()
	exitCode, runErr := e.runCommand(st)
	elapsed := time.Since(start)

	msg := ""
	if runErr != nil {
		msg = runErr.Error()
		logger.Error("Stage command failed.", "exitCode", exitCode, "error", runErr, "elapsed", elapsed)
	} else {
		logger.Info("Stage finished.", "exitCode", exitCode, "elapsed", elapsed)
	}

	// Report outside the cancelled run context so a shutdown does not eat
	// the final result.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := e.client.ReportResult(reportCtx, e.id, st.ID, exitCode, msg); err != nil {
		logger.Error("Failed to report stage result.", "error", err)
	}
}

// runCommand runs the stage's argv, capturing combined output to the
// stage's log file when a log directory is configured. It returns the exit
// code of the command, or -1 with an error when the command could not run
// at all.
func (e *Executor) runCommand(st *stage.Stage) (int, error) {
	cmd := exec.Command(st.Command[0], st.Command[1:]...)

	if e.cfg.LogDir != "" {
		if err := os.MkdirAll(e.cfg.LogDir, 0o755); err != nil {
			return -1, fmt.Errorf("creating log directory: %w", err)
		}
		logPath := filepath.Join(e.cfg.LogDir, fmt.Sprintf("stage-%d.log", st.ID))
		logFile, err := os.Create(logPath)
		if err != nil {
			return -1, fmt.Errorf("creating stage log: %w", err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), fmt.Errorf("command %q exited with code %d", st.Command[0], exitErr.ExitCode())
	}
	return -1, fmt.Errorf("running %q: %w", st.Command[0], err)
}
