// Package sandbox runs untrusted generated code inside a disposable,
// network-isolated Docker container. All file access is confined to the
// container workspace and every operation is recorded in an audit log.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

const (
	// workspaceDir is the writable project root inside the container.
	workspaceDir = "/workspace"

	// auditPath is the in-container mirror of the audit log.
	auditPath = "/workspace/.sandbox_audit.jsonl"

	// maxOutputBytes caps captured stdout/stderr per command.
	maxOutputBytes = 50000
)

// Sentinel errors.
var (
	ErrPathTraversal  = errors.New("path escapes workspace")
	ErrCommandDenied  = errors.New("command not allowed in sandbox")
	ErrNotOpen        = errors.New("sandbox is not open")
	ErrCreationFailed = errors.New("sandbox creation failed")
)

// deniedCommands are never executed, regardless of arguments.
var deniedCommands = map[string]struct{}{
	"rm":     {},
	"chmod":  {},
	"chown":  {},
	"kill":   {},
	"pkill":  {},
	"dd":     {},
	"mkfs":   {},
	"mount":  {},
	"umount": {},
}

// Config holds container resource caps. The defaults match the hardened
// profile the platform images are built for.
type Config struct {
	Image        string `yaml:"image"`
	DockerBin    string `yaml:"docker_bin"`
	Memory       string `yaml:"memory"`
	CPUs         string `yaml:"cpus"`
	PidsLimit    int    `yaml:"pids_limit"`
	TmpSize      string `yaml:"tmp_size"`
	WorkSize     string `yaml:"workspace_size"`
	WorkspaceUID int    `yaml:"workspace_uid"`
}

// DefaultConfig returns the hardened container profile.
func DefaultConfig() Config {
	return Config{
		Image:        "ai-agent-sandbox:latest",
		DockerBin:    "docker",
		Memory:       "512m",
		CPUs:         "1.0",
		PidsLimit:    256,
		TmpSize:      "100m",
		WorkSize:     "500m",
		WorkspaceUID: 1001,
	}
}

// Sandbox is a handle to one running container. It is safe for concurrent
// use; operations are serialized.
type Sandbox struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	containerID string
	audit       []AuditRecord
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = logger }
}

// Open starts a fresh container: no network, read-only root filesystem,
// tmpfs for /tmp (noexec) and /workspace (exec, unprivileged uid), with
// memory, CPU and pid caps applied.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Sandbox, error) {
	s := &Sandbox{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	args := []string{
		"run", "-d",
		"--network", "none",
		"--memory", cfg.Memory,
		"--cpus", cfg.CPUs,
		"--pids-limit", fmt.Sprintf("%d", cfg.PidsLimit),
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%s", cfg.TmpSize),
		"--tmpfs", fmt.Sprintf("%s:rw,exec,size=%s,uid=%d,gid=%d",
			workspaceDir, cfg.WorkSize, cfg.WorkspaceUID, cfg.WorkspaceUID),
		"--workdir", workspaceDir,
		cfg.Image,
		"sleep", "infinity",
	}

	out, stderr, err := s.docker(ctx, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCreationFailed, strings.TrimSpace(stderr), err)
	}
	s.containerID = strings.TrimSpace(out)
	if s.containerID == "" {
		return nil, fmt.Errorf("%w: docker run returned no container id", ErrCreationFailed)
	}

	s.logger.Info("sandbox container started",
		"container_id", shortID(s.containerID), "image", cfg.Image)
	return s, nil
}

// Close force-removes the container. Safe to call more than once.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	id := s.containerID
	s.containerID = ""
	s.mu.Unlock()

	if id == "" {
		return nil
	}
	_, stderr, err := s.docker(ctx, nil, "rm", "-f", id)
	if err != nil {
		s.logger.Warn("sandbox container removal failed",
			"container_id", shortID(id), "stderr", strings.TrimSpace(stderr), "error", err)
		return fmt.Errorf("remove container: %w", err)
	}
	s.logger.Info("sandbox container removed", "container_id", shortID(id))
	return nil
}

// docker invokes the docker CLI and returns stdout/stderr.
func (s *Sandbox) docker(ctx context.Context, stdin []byte, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, s.cfg.DockerBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (s *Sandbox) id() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containerID == "" {
		return "", ErrNotOpen
	}
	return s.containerID, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
