package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Client provides the git operations needed to bundle a repository
type Client interface {
	// MirrorClone creates a bare mirror of url with every ref in destDir
	MirrorClone(ctx context.Context, url, destDir string) error
	// CreateBundle writes a bundle containing all refs of repoDir to bundlePath
	CreateBundle(ctx context.Context, repoDir, bundlePath string) error
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	token string
}

// NewShellClient creates a new git client that uses the git command.
// When token is set it is offered as the password for HTTPS remotes.
func NewShellClient(token string) *ShellClient {
	return &ShellClient{token: token}
}

// MirrorClone runs git clone --mirror
func (c *ShellClient) MirrorClone(ctx context.Context, url, destDir string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--mirror", "--quiet", url, destDir)
	c.configureAuth(cmd, url)

	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// CreateBundle runs git bundle create --all
func (c *ShellClient) CreateBundle(ctx context.Context, repoDir, bundlePath string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "bundle", "create", "--quiet", bundlePath, "--all")
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git bundle failed: %w", err)
	}
	return nil
}

// BundleHeads lists the refs recorded in a bundle file, mapped to their commits
func (c *ShellClient) BundleHeads(ctx context.Context, bundlePath string) (map[string]string, error) {
	cmd := exec.CommandContext(ctx, "git", "bundle", "list-heads", bundlePath)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git bundle list-heads failed: %w", err)
	}

	heads := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		sha, ref, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		heads[ref] = sha
	}
	return heads, nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	if c.token == "" || !strings.HasPrefix(url, "https://") {
		return
	}

	// The token is handed over in the environment and read by an inline
	// credential helper, so it never shows up in the process arguments.
	cmd.Env = append(cmd.Env, "GHBACKUP_GIT_TOKEN="+c.token)
	cmd.Args = insertGitFlags(cmd.Args,
		"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$GHBACKUP_GIT_TOKEN"; }; f`,
	)
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "bundle").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
