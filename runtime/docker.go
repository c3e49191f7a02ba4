// Package runtime is the container runtime collaborator: it tracks the
// managed session containers in Docker and performs the per-session backend
// operations (create, clone, commit, exec, remove).
package runtime

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/humlab-speech/approuter/config"
	"github.com/humlab-speech/approuter/session"
)

// Labels stamped onto every managed container. Reconciliation reads them
// back to rebuild the registry after a restart, so together they must be
// enough to reconstruct a Session.
const (
	LabelManaged    = "hs.approuter"
	LabelAppKind    = "hs.appKind"
	LabelUserID     = "hs.userId"
	LabelProjectID  = "hs.projectId"
	LabelAccessCode = "hs.accessCode"
)

const stopTimeoutSeconds = 10

// ManagedContainer is one running container belonging to this broker, as
// reported by the runtime.
type ManagedContainer struct {
	ID         string
	Image      string
	AppKind    string
	UserID     string
	ProjectID  string
	AccessCode string
}

type Client struct {
	docker *client.Client
	apps   map[string]config.App
}

func NewClient(apps map[string]config.App) (*Client, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{docker: dockerClient, apps: apps}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// ListManaged returns the running containers carrying this broker's managed
// label. Containers whose labels are incomplete are skipped and logged: a
// container we cannot rebuild a session from is better reaped than guessed
// at.
func (c *Client) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	filterArgs := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	summaries, err := c.docker.ContainerList(ctx, container.ListOptions{Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", err)
	}

	managed := make([]ManagedContainer, 0, len(summaries))
	for _, summary := range summaries {
		mc := ManagedContainer{
			ID:         summary.ID,
			Image:      summary.Image,
			AppKind:    summary.Labels[LabelAppKind],
			UserID:     summary.Labels[LabelUserID],
			ProjectID:  summary.Labels[LabelProjectID],
			AccessCode: summary.Labels[LabelAccessCode],
		}
		if mc.AppKind == "" || mc.UserID == "" || mc.ProjectID == "" || mc.AccessCode == "" {
			log.Printf("[runtime] container %.12s has incomplete session labels, skipping", summary.ID)
			continue
		}
		managed = append(managed, mc)
	}
	return managed, nil
}

func (c *Client) StopContainer(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	if err := c.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %.12s: %w", id, err)
	}
	return nil
}

// CreateSessionContainer creates and starts the backend container for a
// session: image per app kind, session labels for reconciliation, and the
// app's internal port published on the loopback interface at the session's
// proxy port.
func (c *Client) CreateSessionContainer(ctx context.Context, sess session.Session) (string, error) {
	app, ok := c.apps[sess.AppKind]
	if !ok {
		return "", fmt.Errorf("no image configured for app kind %q", sess.AppKind)
	}

	internalPort := nat.Port(fmt.Sprintf("%d/tcp", app.InternalPort))
	containerConfig := &container.Config{
		Image: app.Image,
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelAppKind:    sess.AppKind,
			LabelUserID:     sess.User.ID,
			LabelProjectID:  sess.Project.ID,
			LabelAccessCode: sess.AccessCode,
		},
		ExposedPorts: nat.PortSet{internalPort: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			internalPort: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(sess.ProxyPort),
			}},
		},
		// Session containers outlive the broker process; reconciliation
		// picks them back up after a restart.
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	createResp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, sess.Name())
	if err != nil {
		return "", fmt.Errorf("create container for session %s: %w", sess.AccessCode, err)
	}

	if err := c.docker.ContainerStart(ctx, createResp.ID, container.StartOptions{}); err != nil {
		if removeErr := c.docker.ContainerRemove(context.Background(), createResp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			log.Printf("[runtime] failed to remove unstartable container %.12s: %v", createResp.ID, removeErr)
		}
		return "", fmt.Errorf("start container for session %s: %w", sess.AccessCode, err)
	}

	return createResp.ID, nil
}

// RemoveContainer stops and force-removes a session container together with
// its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	timeout := stopTimeoutSeconds
	if err := c.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %.12s: %w", id, err)
	}
	if err := c.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("remove container %.12s: %w", id, err)
	}
	return nil
}
