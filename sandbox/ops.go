package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strings"
	"time"
)

// CommandResult is the outcome of one sandboxed command.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

// Success reports whether the command ran to completion with exit code 0.
func (r CommandResult) Success() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// resolvePath joins a caller-supplied relative path onto the workspace root
// and rejects absolute paths and anything that would resolve outside it.
func resolvePath(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathTraversal)
	}
	normalized := strings.ReplaceAll(rel, "\\", "/")
	if path.IsAbs(normalized) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, rel)
	}
	cleaned := path.Clean(normalized)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, rel)
	}
	return path.Join(workspaceDir, cleaned), nil
}

// shellQuote single-quotes a string for use inside `sh -c`.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WriteFile writes data to a workspace-relative path, creating parent
// directories as needed.
func (s *Sandbox) WriteFile(ctx context.Context, rel string, data []byte) error {
	full, err := resolvePath(rel)
	if err != nil {
		s.record("write_file", map[string]any{"path": rel}, err)
		return err
	}
	id, err := s.id()
	if err != nil {
		return err
	}

	script := fmt.Sprintf("mkdir -p %s && cat > %s",
		shellQuote(path.Dir(full)), shellQuote(full))
	_, stderr, err := s.docker(ctx, data, "exec", "-i", id, "sh", "-c", script)
	if err != nil {
		err = fmt.Errorf("write %s: %s: %w", rel, strings.TrimSpace(stderr), err)
	}
	s.record("write_file", map[string]any{"path": rel, "bytes": len(data)}, err)
	return err
}

// ReadFile reads a workspace-relative file.
func (s *Sandbox) ReadFile(ctx context.Context, rel string) ([]byte, error) {
	full, err := resolvePath(rel)
	if err != nil {
		s.record("read_file", map[string]any{"path": rel}, err)
		return nil, err
	}
	id, err := s.id()
	if err != nil {
		return nil, err
	}

	out, stderr, err := s.docker(ctx, nil, "exec", id, "cat", full)
	if err != nil {
		err = fmt.Errorf("read %s: %s: %w", rel, strings.TrimSpace(stderr), err)
		s.record("read_file", map[string]any{"path": rel}, err)
		return nil, err
	}
	s.record("read_file", map[string]any{"path": rel, "bytes": len(out)}, nil)
	return []byte(out), nil
}

// ListFiles returns workspace-relative paths of all regular files under the
// given directory ("" or "." for the workspace root).
func (s *Sandbox) ListFiles(ctx context.Context, rel string) ([]string, error) {
	if rel == "" {
		rel = "."
	}
	full, err := resolvePath(rel)
	if err != nil {
		s.record("list_files", map[string]any{"path": rel}, err)
		return nil, err
	}
	id, err := s.id()
	if err != nil {
		return nil, err
	}

	out, stderr, err := s.docker(ctx, nil, "exec", id, "find", full, "-type", "f")
	if err != nil {
		err = fmt.Errorf("list %s: %s: %w", rel, strings.TrimSpace(stderr), err)
		s.record("list_files", map[string]any{"path": rel}, err)
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(strings.TrimPrefix(line, workspaceDir), "/"))
	}
	s.record("list_files", map[string]any{"path": rel, "count": len(files)}, nil)
	return files, nil
}

// RunCommand executes argv in the workspace with the given timeout. The
// first argv element is checked against the denylist before anything runs.
// Timeouts and non-zero exits are reported in the result, not as errors;
// the error return covers sandbox-level failures only.
func (s *Sandbox) RunCommand(ctx context.Context, argv []string, timeout time.Duration) (CommandResult, error) {
	if len(argv) == 0 {
		return CommandResult{}, fmt.Errorf("empty command")
	}
	if err := checkDenylist(argv[0]); err != nil {
		s.record("run_command", map[string]any{"command": argv}, err)
		return CommandResult{}, err
	}
	id, err := s.id()
	if err != nil {
		return CommandResult{}, err
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append([]string{"exec", "--workdir", workspaceDir, id}, argv...)
	stdout, stderr, runErr := s.docker(runCtx, nil, args...)

	result := CommandResult{
		Stdout: truncateOutput(stdout),
		Stderr: truncateOutput(stderr),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		result.TimedOut = true
		result.ExitCode = -1
		s.record("run_command", map[string]any{"command": argv, "timeout": timeout.String()},
			fmt.Errorf("timeout after %s", timeout))
		return result, nil
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			s.record("run_command", map[string]any{"command": argv},
				fmt.Errorf("exit code %d", result.ExitCode))
			return result, nil
		}
		s.record("run_command", map[string]any{"command": argv}, runErr)
		return result, fmt.Errorf("exec %s: %w", argv[0], runErr)
	}

	s.record("run_command", map[string]any{"command": argv}, nil)
	return result, nil
}

// checkDenylist rejects commands whose basename is on the denylist.
func checkDenylist(command string) error {
	base := path.Base(strings.ReplaceAll(command, "\\", "/"))
	if _, denied := deniedCommands[base]; denied {
		return fmt.Errorf("%w: %s", ErrCommandDenied, base)
	}
	return nil
}

// truncateOutput caps command output at maxOutputBytes.
func truncateOutput(out string) string {
	if len(out) <= maxOutputBytes {
		return out
	}
	return out[:maxOutputBytes] + "\n... (output truncated)"
}
