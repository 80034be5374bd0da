package build

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/hashworks/aur-ci/logfields"
	"github.com/robfig/cron/v3"
)

// ContainerSet holds the IDs of containers a running build still owns. A nil set is empty.
type ContainerSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewContainerSet() *ContainerSet {
	return &ContainerSet{ids: map[string]struct{}{}}
}

func (s *ContainerSet) Add(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

func (s *ContainerSet) Remove(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *ContainerSet) Contains(id string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Sweeper removes exited build containers a crashed worker left behind.
type Sweeper struct {
	Runtime Runtime
	Logger  *slog.Logger
	// Active containers belong to a running build of this worker and are never removed.
	Active *ContainerSet
	// MinAge spares containers created less than MinAge ago, they may belong to another worker
	// on the same daemon that is still collecting their logs.
	MinAge time.Duration

	now func() time.Time
}

// Sweep returns the number of removed containers.
func (s *Sweeper) Sweep(ctx context.Context) int {
	containers, err := s.Runtime.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("status", "exited"),
			filters.Arg("name", CONTAINER_PREFIX),
		),
	})
	if err != nil {
		s.Logger.Warn("Failed to get list of containers", logfields.Error(err))
		return 0
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	cutoff := now().Add(-s.MinAge)

	removed := 0
	for _, c := range containers {
		if s.Active.Contains(c.ID) {
			continue
		}
		if s.MinAge > 0 && time.Unix(c.Created, 0).After(cutoff) {
			continue
		}
		for _, name := range c.Names {
			if !strings.HasPrefix(name, "/"+CONTAINER_PREFIX) {
				continue
			}
			if err := s.Runtime.ContainerRemove(ctx, c.ID, container.RemoveOptions{
				RemoveVolumes: true,
				Force:         true,
			}); err != nil {
				s.Logger.Warn("Failed to remove old container", logfields.Container(name), logfields.Error(err))
			} else {
				removed++
			}
			break
		}
	}

	if removed > 0 {
		s.Logger.Info("Removed old containers", slog.Int("count", removed))
	}
	return removed
}

// Schedule runs Sweep on the given cron schedule until ctx is done.
func (s *Sweeper) Schedule(ctx context.Context, schedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { s.Sweep(ctx) }); err != nil {
		return nil, err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}
