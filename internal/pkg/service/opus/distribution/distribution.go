// Package distribution assigns units of load to the least-loaded nodes.
package distribution

import (
	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

var ErrNoCandidates = errors.New("no candidate node")

// Candidate is a node with the load it already has.
type Candidate struct {
	NodeID model.NodeID
	Load   int
}

// Assignments maps node id to the number of assigned units.
type Assignments map[model.NodeID]int

// Sum returns the number of all assigned units.
func (v Assignments) Sum() int {
	sum := 0
	for _, n := range v {
		sum += n
	}
	return sum
}

// Distribute assigns units one by one, each to the candidate with the minimal load,
// including the units assigned earlier in the same call. Ties are broken by the order of the candidates.
func Distribute(units int, candidates []Candidate) (Assignments, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if units < 0 {
		return nil, errors.Errorf(`units count "%d" must not be negative`, units)
	}

	out := make(Assignments)
	for i := 0; i < units; i++ {
		best := 0
		for j := 1; j < len(candidates); j++ {
			if load(candidates[j], out) < load(candidates[best], out) {
				best = j
			}
		}
		out[candidates[best].NodeID]++
	}
	return out, nil
}

func load(c Candidate, assigned Assignments) int {
	return c.Load + assigned[c.NodeID]
}
