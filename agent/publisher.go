package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/atelierhq/atelier/store"
)

// PublishRequest describes one run's artifacts to commit.
type PublishRequest struct {
	// WorkDir is the repository root on the host.
	WorkDir string

	// OutputSubdir is the run's artifact directory relative to WorkDir.
	OutputSubdir string

	// Files are the workspace-relative artifact paths under OutputSubdir.
	Files []string

	// Message is the commit message.
	Message string
}

// Publisher commits reviewed artifacts to version control.
type Publisher interface {
	// Publish commits the request and returns a commit URL when known.
	// Returning ("", nil) means publishing was skipped, not failed.
	Publish(ctx context.Context, req PublishRequest) (string, error)
}

// publisherStage commits the reviewed artifacts. It only runs after
// every review check passed.
func (c *Controller) publisherStage(ctx context.Context, state State) (State, error) {
	files := make([]string, 0, len(state.GeneratedCode)+2)
	for rel := range state.GeneratedCode {
		if norm := normalizeRelPath(rel); norm != "" {
			files = append(files, norm)
		}
	}
	files = append(files, "spec.md", "report.html")

	commitMsg := state.Requirement
	if len(commitMsg) > 72 {
		commitMsg = commitMsg[:72]
	}

	url, err := c.publisher.Publish(ctx, PublishRequest{
		WorkDir:      state.WorkspaceRoot,
		OutputSubdir: state.OutputSubdir,
		Files:        files,
		Message:      "Agent: " + commitMsg,
	})
	if err != nil {
		return State{
			Status:    store.RunStatusFailed,
			ErrorLogs: []string{fmt.Sprintf("publish: %v", err)},
		}, nil
	}

	delta := State{Status: store.RunStatusPublished, CommitURL: url}
	if state.ImproveRules {
		delta.Improvements = map[string]string{
			"pr_rules_improvement": "# Publish phase rule suggestions\n\n" +
				"## This run\nCommitted " + fmt.Sprint(len(files)) + " files under " + state.OutputSubdir + ".\n\n" +
				"## Suggested additions to pr_rules.md\n" +
				"If the commit message format should carry a ticket reference or scope prefix, state it here.\n",
		}
	}
	return delta, nil
}

// gitTimeout bounds the quick local git commands; pushes get longer.
const (
	gitTimeout     = 10 * time.Second
	gitPushTimeout = 60 * time.Second
)

// GitPublisher commits artifacts to the default branch of a GitHub
// repository with the git CLI over HTTPS.
type GitPublisher struct {
	// Token authenticates the push. Empty disables pushing; commits
	// are skipped and Publish reports success with no URL.
	Token string

	// Repository is the owner/name pair, e.g. "acme/workbench".
	Repository string

	// Branch is the push target. Defaults to main.
	Branch string
}

// Publish stages the run artifacts, commits, and pushes.
func (p *GitPublisher) Publish(ctx context.Context, req PublishRequest) (string, error) {
	if p.Token == "" || p.Repository == "" {
		return "", nil
	}

	workDir := req.WorkDir
	if _, err := os.Stat(filepath.Join(workDir, ".git")); err != nil {
		return "", fmt.Errorf("%s is not a git repository", workDir)
	}

	for _, rel := range req.Files {
		path := filepath.Join(workDir, filepath.FromSlash(req.OutputSubdir), filepath.FromSlash(rel))
		if _, err := os.Stat(path); err != nil {
			continue
		}
		// -f because output directories are commonly gitignored.
		if err := p.git(ctx, workDir, gitTimeout, "add", "-f", path); err != nil {
			return "", fmt.Errorf("git add %s: %w", rel, err)
		}
	}

	// Nothing staged (e.g. identical rerun) is not an error; commit
	// failing for other reasons surfaces on push.
	_ = p.git(ctx, workDir, gitTimeout, "commit", "-m", req.Message)

	branch := p.Branch
	if branch == "" {
		branch = "main"
	}
	remote := fmt.Sprintf("https://%s@github.com/%s.git", p.Token, p.Repository)
	if err := p.git(ctx, workDir, gitPushTimeout, "push", remote, "HEAD:"+branch); err != nil {
		return "", fmt.Errorf("git push: %w", err)
	}

	return fmt.Sprintf("https://github.com/%s/tree/%s/%s", p.Repository, branch, req.OutputSubdir), nil
}

func (p *GitPublisher) git(ctx context.Context, dir string, timeout time.Duration, args ...string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		// Never leak the token through error text.
		msg = strings.ReplaceAll(msg, p.Token, "***")
		if msg == "" {
			return err
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}
