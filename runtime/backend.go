package runtime

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// sessionWorkdir is where a session's project checkout lives inside the
// container. The session images create it at build time.
const sessionWorkdir = "/home/project"

const maxExecOutput = 64 * 1024

// CloneProject checks the project repository out into the session
// container's work directory and returns the combined git output.
func (c *Client) CloneProject(ctx context.Context, containerID, repoURL string) (string, error) {
	output, err := c.exec(ctx, containerID, []string{"git", "clone", repoURL, "."}, nil)
	if err != nil {
		return output, fmt.Errorf("clone project into %.12s: %w", containerID, err)
	}
	return output, nil
}

// Commit stages, commits and pushes the session's work tree. A work tree
// with nothing to commit is not an error.
func (c *Client) Commit(ctx context.Context, containerID, message string) (string, error) {
	script := `git add -A && (git diff --cached --quiet || git commit -m "$COMMIT_MSG") && git push`
	output, err := c.exec(ctx, containerID,
		[]string{"sh", "-c", script},
		[]string{"COMMIT_MSG=" + message},
	)
	if err != nil {
		return output, fmt.Errorf("commit session work in %.12s: %w", containerID, err)
	}
	return output, nil
}

// RunCommand executes an arbitrary command in the session container and
// returns its combined output.
func (c *Client) RunCommand(ctx context.Context, containerID string, cmd []string) (string, error) {
	output, err := c.exec(ctx, containerID, cmd, nil)
	if err != nil {
		return output, fmt.Errorf("run command in %.12s: %w", containerID, err)
	}
	return output, nil
}

func (c *Client) exec(ctx context.Context, containerID string, cmd []string, env []string) (string, error) {
	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   sessionWorkdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("create exec: %w", err)
	}

	attach, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("read exec output: %w", err)
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output += stderr.String()
	}
	if len(output) > maxExecOutput {
		output = output[len(output)-maxExecOutput:]
	}
	output = strings.TrimRight(output, "\n")

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return output, fmt.Errorf("inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return output, fmt.Errorf("command exited with status %d", inspect.ExitCode)
	}
	return output, nil
}
