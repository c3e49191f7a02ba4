package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/humlab-speech/approuter/runtime"
	"github.com/humlab-speech/approuter/session"
)

// ErrMetadataMissing marks a container skipped during reconciliation
// because its user or project could not be resolved.
var ErrMetadataMissing = errors.New("reconciliation metadata missing")

// metadataCache holds the fetch results of one reconciliation pass, one
// entry per distinct id regardless of how many containers reference it.
type metadataCache struct {
	mu       sync.Mutex
	users    map[string]session.User
	userErrs map[string]error
	projects map[string]session.Project
	projErrs map[string]error
}

// Reconcile rebuilds the registry from the containers already running in
// the runtime. It must complete before the router starts serving: routing
// against an empty registry while containers exist would orphan every
// pre-existing session.
//
// Containers whose metadata cannot be resolved are skipped and logged, so
// one missing identity never aborts recovery of the healthy sessions. Only
// a failure to list containers fails the pass.
func (b *Broker) Reconcile(ctx context.Context) error {
	containers, err := b.runtime.ListManaged(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if len(containers) == 0 {
		log.Printf("[reconcile] no managed containers running")
		return nil
	}

	cache := b.fetchMetadata(ctx, containers)

	recovered := 0
	for _, c := range containers {
		user, err := cache.user(c.UserID)
		if err != nil {
			log.Printf("[reconcile] skipping container %.12s: %v", c.ID, err)
			b.events.Record("reconcile_skipped", c.AccessCode, err.Error())
			continue
		}
		project, err := cache.project(c.ProjectID)
		if err != nil {
			log.Printf("[reconcile] skipping container %.12s: %v", c.ID, err)
			b.events.Record("reconcile_skipped", c.AccessCode, err.Error())
			continue
		}

		adopted, err := b.registry.AdoptRoutable(session.Session{
			AccessCode:  c.AccessCode,
			User:        user,
			Project:     project,
			AppKind:     c.AppKind,
			ContainerID: c.ID,
		})
		if err != nil {
			log.Printf("[reconcile] skipping container %.12s: %v", c.ID, err)
			b.events.Record("reconcile_skipped", c.AccessCode, err.Error())
			continue
		}

		recovered++
		b.events.Record("reconciled", adopted.AccessCode, fmt.Sprintf("container=%.12s port=%d", c.ID, adopted.ProxyPort))
	}

	log.Printf("[reconcile] recovered %d of %d managed containers", recovered, len(containers))
	return nil
}

// fetchMetadata issues one concurrent fetch per distinct user and project
// id referenced by the containers and waits for all of them; per-id
// failures are kept so the join step can skip exactly the affected
// containers.
func (b *Broker) fetchMetadata(ctx context.Context, containers []runtime.ManagedContainer) *metadataCache {
	userIDs := make(map[string]bool)
	projectIDs := make(map[string]bool)
	for _, c := range containers {
		userIDs[c.UserID] = true
		projectIDs[c.ProjectID] = true
	}

	cache := &metadataCache{
		users:    make(map[string]session.User, len(userIDs)),
		userErrs: make(map[string]error),
		projects: make(map[string]session.Project, len(projectIDs)),
		projErrs: make(map[string]error),
	}

	var wg sync.WaitGroup
	for id := range userIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			user, err := b.metadata.FetchUser(ctx, id)
			cache.mu.Lock()
			defer cache.mu.Unlock()
			if err != nil {
				cache.userErrs[id] = err
				return
			}
			cache.users[id] = user
		}(id)
	}
	for id := range projectIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			project, err := b.metadata.FetchProject(ctx, id)
			cache.mu.Lock()
			defer cache.mu.Unlock()
			if err != nil {
				cache.projErrs[id] = err
				return
			}
			cache.projects[id] = project
		}(id)
	}
	wg.Wait()

	return cache
}

func (c *metadataCache) user(id string) (session.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.userErrs[id]; ok {
		return session.User{}, fmt.Errorf("%w: user %s: %v", ErrMetadataMissing, id, err)
	}
	user, ok := c.users[id]
	if !ok {
		return session.User{}, fmt.Errorf("%w: user %s was never fetched", ErrMetadataMissing, id)
	}
	return user, nil
}

func (c *metadataCache) project(id string) (session.Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.projErrs[id]; ok {
		return session.Project{}, fmt.Errorf("%w: project %s: %v", ErrMetadataMissing, id, err)
	}
	project, ok := c.projects[id]
	if !ok {
		return session.Project{}, fmt.Errorf("%w: project %s was never fetched", ErrMetadataMissing, id)
	}
	return project, nil
}
