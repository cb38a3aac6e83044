package process

import (
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ledgerpro/mcp-bridge/config"
	pexec "github.com/ledgerpro/mcp-bridge/exec"
	"github.com/ledgerpro/mcp-bridge/logger"
)

// HelperProcess represents a running helper server process found on the
// system. Useful for detecting orphans left behind after a host crash.
type HelperProcess struct {
	PID     int    // Process ID
	Command string // Full command line
}

// OrphanPatterns derives the command-line patterns used to recognize a
// fleet's helper processes. For script-runner style servers (python3
// server.py) the script name is the distinctive token; for direct
// executables the command name is used.
func OrphanPatterns(servers []config.Server) []string {
	patterns := make([]string, 0, len(servers))
	for _, s := range servers {
		if len(s.Args) > 0 && !strings.HasPrefix(s.Args[0], "-") {
			patterns = append(patterns, filepath.Base(s.Args[0]))
			continue
		}
		patterns = append(patterns, filepath.Base(s.Command))
	}
	return patterns
}

// OrphanScanner finds and kills helper processes left behind by a previous
// run. Each scanner holds its own command executor, so tests can script
// pgrep/ps/kill instead of touching real processes.
type OrphanScanner struct {
	executor pexec.CommandExecutor
}

// NewOrphanScanner creates a scanner backed by the real system commands.
func NewOrphanScanner() *OrphanScanner {
	return &OrphanScanner{executor: pexec.NewRealExecutor()}
}

// NewOrphanScannerWithExecutor creates a scanner with a custom executor.
// This is primarily used for testing where a mock executor is needed.
func NewOrphanScannerWithExecutor(executor pexec.CommandExecutor) *OrphanScanner {
	return &OrphanScanner{executor: executor}
}

// FindHelpers finds all running processes whose command line matches one of
// the given patterns (pgrep -f semantics). Processes are deduplicated by
// PID when patterns overlap.
func (s *OrphanScanner) FindHelpers(ctx context.Context, patterns []string) ([]HelperProcess, error) {
	var processes []HelperProcess
	log := logger.WithComponent("process")

	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		return processes, nil
	}

	seen := make(map[int]bool)
	for _, pattern := range patterns {
		output, err := s.executor.Output(ctx, "pgrep", "-f", pattern)
		if err != nil {
			// pgrep returns exit code 1 if no processes found
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
				continue
			}
			return nil, err
		}

		for _, pidStr := range strings.Fields(string(output)) {
			pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
			if err != nil || seen[pid] {
				continue
			}
			seen[pid] = true

			// Get the full command line for this PID
			psOutput, err := s.executor.Output(ctx, "ps", "-p", pidStr, "-o", "args=")
			if err != nil {
				continue
			}

			processes = append(processes, HelperProcess{
				PID:     pid,
				Command: strings.TrimSpace(string(psOutput)),
			})
		}
	}

	log.Debug("found helper processes", "count", len(processes))
	return processes, nil
}

// FindOrphans finds helper processes matching the patterns whose PID is not
// in the provided set of live PIDs (the processes this bridge launched
// itself).
func (s *OrphanScanner) FindOrphans(ctx context.Context, patterns []string, livePIDs map[int]bool) ([]HelperProcess, error) {
	all, err := s.FindHelpers(ctx, patterns)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []HelperProcess
	for _, proc := range all {
		if !livePIDs[proc.PID] {
			orphans = append(orphans, proc)
			log.Info("found orphaned helper process", "pid", proc.PID, "command", proc.Command)
		}
	}

	return orphans, nil
}

// Kill kills a process by PID.
func (s *OrphanScanner) Kill(ctx context.Context, pid int) error {
	_, _, err := s.executor.Run(ctx, "kill", "-9", strconv.Itoa(pid))
	return err
}

// CleanupOrphans kills all helper processes matching the patterns that are
// not in the live PID set. Returns the number of processes killed.
func (s *OrphanScanner) CleanupOrphans(ctx context.Context, patterns []string, livePIDs map[int]bool) (int, error) {
	orphans, err := s.FindOrphans(ctx, patterns, livePIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned helper process", "pid", proc.PID)
		if err := s.Kill(ctx, proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}

	return killed, nil
}
