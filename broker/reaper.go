package broker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// SweepOrphans stops every running managed container that no live session
// references. Stops run as independent goroutines with individually logged
// outcomes: one container refusing to stop must not keep the rest alive.
// The sweep is best effort and safe to repeat.
//
// A container is spared when either its ID is referenced by a session or
// its access-code label resolves to one. The code check covers sessions
// that are mid-provisioning: they are registered under their access code
// before the registry learns the container ID, and their freshly created
// container must not be mistaken for an orphan.
func (b *Broker) SweepOrphans(ctx context.Context) (int, error) {
	containers, err := b.runtime.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	live := make(map[string]bool)
	for _, id := range b.registry.ContainerIDs() {
		live[id] = true
	}

	var stopped atomic.Int64
	var wg sync.WaitGroup
	for _, c := range containers {
		if live[c.ID] {
			continue
		}
		if _, err := b.registry.FindByAccessCode(c.AccessCode); err == nil {
			continue
		}
		wg.Add(1)
		go func(id, code string) {
			defer wg.Done()
			if err := b.runtime.StopContainer(ctx, id); err != nil {
				log.Printf("[reaper] failed to stop orphan container %.12s: %v", id, err)
				return
			}
			stopped.Add(1)
			b.events.Record("reaped", code, "container="+id)
			log.Printf("[reaper] stopped orphan container %.12s", id)
		}(c.ID, c.AccessCode)
	}
	wg.Wait()

	return int(stopped.Load()), nil
}

// StartReaper sweeps for orphans on a fixed interval until the context is
// cancelled. Call it only after reconciliation has completed, so freshly
// recovered sessions are never mistaken for orphans.
func (b *Broker) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := b.SweepOrphans(ctx); err != nil {
					log.Printf("[reaper] sweep failed: %v", err)
				}
			}
		}
	}()
}
