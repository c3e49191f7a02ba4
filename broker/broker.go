// Package broker owns session lifecycle: create-or-get, delete, commit and
// command execution against the backend, startup reconciliation, and the
// orphan reaper. It is the only writer of the session Registry.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/humlab-speech/approuter/runtime"
	"github.com/humlab-speech/approuter/session"
)

// ErrExternalOperation wraps failures of the container runtime or metadata
// service. Callers report it upward after the broker has rolled back any
// reserved resources.
var ErrExternalOperation = errors.New("external operation failed")

// ContainerRuntime is the container runtime collaborator, implemented by
// the runtime package and faked in tests.
type ContainerRuntime interface {
	ListManaged(ctx context.Context) ([]runtime.ManagedContainer, error)
	StopContainer(ctx context.Context, id string) error
	CreateSessionContainer(ctx context.Context, sess session.Session) (string, error)
	RemoveContainer(ctx context.Context, id string) error
	CloneProject(ctx context.Context, containerID, repoURL string) (string, error)
	Commit(ctx context.Context, containerID, message string) (string, error)
	RunCommand(ctx context.Context, containerID string, cmd []string) (string, error)
}

// Metadata resolves user and project ids during reconciliation.
type Metadata interface {
	FetchUser(ctx context.Context, id string) (session.User, error)
	FetchProject(ctx context.Context, id string) (session.Project, error)
}

// Recorder receives session lifecycle events for auditing. Recording must
// never block the broker.
type Recorder interface {
	Record(kind, accessCode, detail string)
}

// NopRecorder is used when no event store is configured.
type NopRecorder struct{}

func (NopRecorder) Record(kind, accessCode, detail string) {}

type Broker struct {
	registry *session.Registry
	runtime  ContainerRuntime
	metadata Metadata
	events   Recorder

	gitBaseURL string
}

func New(registry *session.Registry, rt ContainerRuntime, md Metadata, events Recorder, gitBaseURL string) *Broker {
	if events == nil {
		events = NopRecorder{}
	}
	return &Broker{
		registry:   registry,
		runtime:    rt,
		metadata:   md,
		events:     events,
		gitBaseURL: strings.TrimRight(gitBaseURL, "/"),
	}
}

// SessionSummary is the projection returned to API clients listing a
// user's sessions.
type SessionSummary struct {
	SessionCode string `json:"sessionCode"`
	ProjectID   string `json:"projectId"`
	Type        string `json:"type"`
}

// GetOrCreate returns the existing session for (user, project, appKind) or
// creates one: reserve code and port in the registry, provision the
// container and project checkout outside any lock, then mark the session
// routable. Any provisioning failure releases the reservation so the code
// and port return to the pool.
//
// The second return value reports whether a new session was created.
func (b *Broker) GetOrCreate(ctx context.Context, user session.User, project session.Project, appKind string) (session.Session, bool, error) {
	sess, existing, err := b.registry.Reserve(user, project, appKind)
	if err != nil {
		return session.Session{}, false, err
	}
	if existing {
		return sess, false, nil
	}

	containerID, err := b.runtime.CreateSessionContainer(ctx, sess)
	if err != nil {
		b.registry.Remove(sess.AccessCode)
		b.events.Record("create_failed", sess.AccessCode, err.Error())
		return session.Session{}, false, fmt.Errorf("%w: %v", ErrExternalOperation, err)
	}

	if _, err := b.runtime.CloneProject(ctx, containerID, b.projectRepoURL(project)); err != nil {
		if removeErr := b.runtime.RemoveContainer(context.WithoutCancel(ctx), containerID); removeErr != nil {
			log.Printf("[broker] failed to remove container after clone failure: %v", removeErr)
		}
		b.registry.Remove(sess.AccessCode)
		b.events.Record("create_failed", sess.AccessCode, err.Error())
		return session.Session{}, false, fmt.Errorf("%w: %v", ErrExternalOperation, err)
	}

	ready, err := b.registry.MarkRoutable(sess.AccessCode, containerID)
	if err != nil {
		// The session was removed out from under us mid-provisioning.
		if removeErr := b.runtime.RemoveContainer(context.WithoutCancel(ctx), containerID); removeErr != nil {
			log.Printf("[broker] failed to remove container for vanished session: %v", removeErr)
		}
		return session.Session{}, false, err
	}

	b.events.Record("created", ready.AccessCode, fmt.Sprintf("user=%s project=%s kind=%s port=%d", user.ID, project.ID, appKind, ready.ProxyPort))
	log.Printf("[broker] created session %s for user %s project %s on port %d", ready.AccessCode, user.ID, project.ID, ready.ProxyPort)
	return ready, true, nil
}

// Delete tears down the session's backend container and, only once that
// succeeds, removes the session from the registry. On teardown failure the
// session stays registered: a session must never leave the registry while
// its backend might still be reachable.
func (b *Broker) Delete(ctx context.Context, accessCode string) error {
	sess, err := b.registry.FindByAccessCode(accessCode)
	if err != nil {
		return err
	}

	if sess.ContainerID != "" {
		if err := b.runtime.RemoveContainer(ctx, sess.ContainerID); err != nil {
			return fmt.Errorf("%w: %v", ErrExternalOperation, err)
		}
	}

	b.registry.Remove(sess.AccessCode)
	b.events.Record("deleted", sess.AccessCode, "user="+sess.User.ID)
	log.Printf("[broker] deleted session %s", sess.AccessCode)
	return nil
}

// Commit pushes the session's work tree back to its git remote.
func (b *Broker) Commit(ctx context.Context, accessCode string) (string, error) {
	sess, err := b.registry.FindRoutable(accessCode)
	if err != nil {
		return "", err
	}
	output, err := b.runtime.Commit(ctx, sess.ContainerID, "approuter session commit")
	if err != nil {
		return output, fmt.Errorf("%w: %v", ErrExternalOperation, err)
	}
	b.events.Record("committed", sess.AccessCode, "")
	return output, nil
}

// Run executes a command inside the session container.
func (b *Broker) Run(ctx context.Context, accessCode string, cmd []string) (string, error) {
	sess, err := b.registry.FindRoutable(accessCode)
	if err != nil {
		return "", err
	}
	output, err := b.runtime.RunCommand(ctx, sess.ContainerID, cmd)
	if err != nil {
		return output, fmt.Errorf("%w: %v", ErrExternalOperation, err)
	}
	return output, nil
}

// ListForUser projects a user's sessions for the API layer.
func (b *Broker) ListForUser(userID string) []SessionSummary {
	sessions := b.registry.ListByUser(userID)
	summaries := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, SessionSummary{
			SessionCode: sess.AccessCode,
			ProjectID:   sess.Project.ID,
			Type:        sess.AppKind,
		})
	}
	return summaries
}

func (b *Broker) projectRepoURL(project session.Project) string {
	path := project.Path
	if path == "" {
		path = project.ID
	}
	return b.gitBaseURL + "/" + strings.TrimLeft(path, "/") + ".git"
}
