package executor

import (
	"fmt"
	"sort"

	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/models"
)

// resolveOrder returns the actions in execution order: a topological sort
// of the dependency DAG where ready nodes are picked by ascending order
// field, ties broken by action_id. A cycle yields ErrCircularDependency
// before anything runs.
func resolveOrder(seqs []models.TemplateActionSequence) ([]models.TemplateActionSequence, error) {
	byID := make(map[string]*models.TemplateActionSequence, len(seqs))
	for i := range seqs {
		byID[seqs[i].ActionID] = &seqs[i]
	}

	indegree := make(map[string]int, len(seqs))
	dependents := make(map[string][]string, len(seqs))
	for i := range seqs {
		s := &seqs[i]
		indegree[s.ActionID] += 0
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("action %q depends on unknown action %q", s.ActionID, dep)
			}
			indegree[s.ActionID]++
			dependents[dep] = append(dependents[dep], s.ActionID)
		}
	}

	ready := make([]string, 0, len(seqs))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		sa, sb := byID[a], byID[b]
		if sa.Order != sb.Order {
			return sa.Order < sb.Order
		}
		return sa.ActionID < sb.ActionID
	}

	out := make([]models.TemplateActionSequence, 0, len(seqs))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		out = append(out, *byID[next])

		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(out) != len(seqs) {
		return nil, apierrors.ErrCircularDependency
	}
	return out, nil
}
