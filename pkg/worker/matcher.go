package worker

import (
	"sort"

	"github.com/cuemby/relay/pkg/types"
)

// Match returns the healthy workers whose capability set covers required,
// ordered by registration time then server id so concurrent callers
// observing the same registry agree on the head element.
func (r *Registry) Match(required []string) []*types.WorkerRecord {
	r.mu.RLock()
	matched := make([]*types.WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		if rec.Health != types.HealthHealthy {
			continue
		}
		if !rec.HasCapabilities(required) {
			continue
		}
		matched = append(matched, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].RegisteredAt.Equal(matched[j].RegisteredAt) {
			return matched[i].RegisteredAt.Before(matched[j].RegisteredAt)
		}
		return matched[i].ServerID < matched[j].ServerID
	})
	return matched
}
