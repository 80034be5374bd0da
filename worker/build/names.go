package build

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashworks/aur-ci/model"
)

const CONTAINER_PREFIX = "aur-ci-worker-build"

// nameGenerator combines the task with a counter seeded at startup, so concurrent workers and
// redeliveries of the same task get distinct container names.
type nameGenerator struct {
	counter atomic.Uint64
}

func newNameGenerator(seed uint64) *nameGenerator {
	g := &nameGenerator{}
	g.counter.Store(seed)
	return g
}

func newSeededNameGenerator() *nameGenerator {
	return newNameGenerator(uint64(time.Now().UnixNano()))
}

func (g *nameGenerator) Next(task *model.BuildTask) string {
	return fmt.Sprintf("%s-%s-%d-%x", CONTAINER_PREFIX, containerSafeName(task.Name), task.Id, g.counter.Add(1))
}

// Container names are limited to [a-zA-Z0-9_.-].
func containerSafeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
