package groups

import (
	"slices"

	"github.com/joescharf/thinkflow/internal/apperr"
)

// validateDAG checks that deps (node -> nodes it depends on) references only
// known nodes and contains no cycle. It returns the nodes in a topological
// order, dependencies first.
func validateDAG(nodes []string, deps map[string][]string) ([]string, error) {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n] = true
	}

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		for _, d := range deps[n] {
			if !known[d] {
				return nil, apperr.UnknownDependency(n, d)
			}
			if d == n {
				return nil, apperr.CircularDependency([]string{n, n})
			}
			inDegree[n]++
			dependents[d] = append(dependents[d], n)
		}
	}

	// Kahn's algorithm, seeded in declaration order for a stable result.
	var order, queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, m := range dependents[n] {
			inDegree[m]--
			if inDegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if len(order) < len(nodes) {
		return nil, apperr.CircularDependency(findCycle(nodes, deps, inDegree))
	}
	return order, nil
}

// findCycle returns one cycle among the nodes Kahn's algorithm could not
// order, as a closed path like [a b a].
func findCycle(nodes []string, deps map[string][]string, inDegree map[string]int) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(nodes))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		state[n] = onStack
		stack = append(stack, n)
		for _, d := range deps[n] {
			switch state[d] {
			case onStack:
				start := slices.Index(stack, d)
				cycle = append(slices.Clone(stack[start:]), d)
				return true
			case unvisited:
				if visit(d) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return false
	}

	for _, n := range nodes {
		if inDegree[n] > 0 && state[n] == unvisited && visit(n) {
			return cycle
		}
	}
	return nil
}
