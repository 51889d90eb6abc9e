// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detection

// automaton is a byte-level Aho-Corasick matcher. It is built once and
// never mutated, so concurrent Search calls need no locking.
type automaton struct {
	nodes []acNode
}

type acNode struct {
	next map[byte]int32
	fail int32
	// out holds the indices of patterns ending here, including those
	// inherited through failure links.
	out []int
}

func buildAutomaton(patterns [][]byte) *automaton {
	a := &automaton{nodes: []acNode{{next: map[byte]int32{}}}}

	for pi, p := range patterns {
		if len(p) == 0 {
			continue
		}
		cur := int32(0)
		for _, c := range p {
			nxt, ok := a.nodes[cur].next[c]
			if !ok {
				nxt = int32(len(a.nodes))
				a.nodes = append(a.nodes, acNode{next: map[byte]int32{}})
				a.nodes[cur].next[c] = nxt
			}
			cur = nxt
		}
		a.nodes[cur].out = append(a.nodes[cur].out, pi)
	}

	// Breadth-first so a node's failure target is finished before the node.
	queue := make([]int32, 0, len(a.nodes))
	for _, child := range a.nodes[0].next {
		a.nodes[child].fail = 0
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for c, child := range a.nodes[cur].next {
			queue = append(queue, child)

			f := a.nodes[cur].fail
			for {
				if nxt, ok := a.nodes[f].next[c]; ok && nxt != child {
					a.nodes[child].fail = nxt
					break
				}
				if f == 0 {
					a.nodes[child].fail = 0
					break
				}
				f = a.nodes[f].fail
			}
			if inherited := a.nodes[a.nodes[child].fail].out; len(inherited) > 0 {
				a.nodes[child].out = append(a.nodes[child].out, inherited...)
			}
		}
	}
	return a
}

// search calls fn with (pattern index, end offset) for every occurrence.
// Returning false from fn stops the scan.
func (a *automaton) search(data []byte, fn func(pattern, end int) bool) {
	cur := int32(0)
	for i, c := range data {
		for {
			if nxt, ok := a.nodes[cur].next[c]; ok {
				cur = nxt
				break
			}
			if cur == 0 {
				break
			}
			cur = a.nodes[cur].fail
		}
		for _, p := range a.nodes[cur].out {
			if !fn(p, i+1) {
				return
			}
		}
	}
}
