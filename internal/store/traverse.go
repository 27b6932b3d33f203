package store

// Direction of a traversal step.
const (
	Outbound = "outbound" // source -> target
	Inbound  = "inbound"  // target -> source
	Any      = "any"
)

// Path is a walk through the graph: len(Nodes) == len(Edges)+1.
type Path struct {
	Nodes []int64
	Edges []*Edge
}

// Len is the number of hops.
func (p Path) Len() int { return len(p.Edges) }

// Step is one traversed edge with the node it leads to.
type Step struct {
	Edge *Edge
	Next int64
}

// Neighbors lists the edges leaving nodeID in direction, restricted to
// edgeTypes when given.
func (s *Store) Neighbors(nodeID int64, direction string, edgeTypes []string) ([]Step, error) {
	var steps []Step
	if direction == Outbound || direction == Any {
		found, err := s.FindEdges(EdgeFilter{SourceID: nodeID, Types: edgeTypes})
		if err != nil {
			return nil, err
		}
		for _, e := range found {
			steps = append(steps, Step{Edge: e, Next: e.TargetID})
		}
	}
	if direction == Inbound || direction == Any {
		found, err := s.FindEdges(EdgeFilter{TargetID: nodeID, Types: edgeTypes})
		if err != nil {
			return nil, err
		}
		for _, e := range found {
			if direction == Any && e.SourceID == e.TargetID {
				continue // already listed as outbound
			}
			steps = append(steps, Step{Edge: e, Next: e.SourceID})
		}
	}
	return steps, nil
}

// Paths enumerates every walk from startID with between minHops and maxHops
// edges, never reusing an edge within one walk. Enumeration stops after
// limit walks when limit > 0.
func (s *Store) Paths(startID int64, direction string, edgeTypes []string, minHops, maxHops, limit int) ([]Path, error) {
	var out []Path
	cache := make(map[int64][]Step)
	used := make(map[int64]bool)
	nodes := []int64{startID}
	var edges []*Edge

	var walk func(at int64) (bool, error)
	walk = func(at int64) (bool, error) {
		if len(edges) >= minHops {
			out = append(out, Path{
				Nodes: append([]int64(nil), nodes...),
				Edges: append([]*Edge(nil), edges...),
			})
			if limit > 0 && len(out) >= limit {
				return true, nil
			}
		}
		if len(edges) >= maxHops {
			return false, nil
		}
		steps, ok := cache[at]
		if !ok {
			var err error
			steps, err = s.Neighbors(at, direction, edgeTypes)
			if err != nil {
				return false, err
			}
			cache[at] = steps
		}
		for _, st := range steps {
			if used[st.Edge.ID] {
				continue
			}
			used[st.Edge.ID] = true
			nodes = append(nodes, st.Next)
			edges = append(edges, st.Edge)
			stop, err := walk(st.Next)
			nodes = nodes[:len(nodes)-1]
			edges = edges[:len(edges)-1]
			delete(used, st.Edge.ID)
			if stop || err != nil {
				return stop, err
			}
		}
		return false, nil
	}
	if _, err := walk(startID); err != nil {
		return nil, err
	}
	return out, nil
}

type bfsQueue struct {
	nodeID int64
	hop    int
}

// ShortestPath finds one shortest walk from startID to endID within
// [minHops, maxHops] using breadth-first search. nil means no path.
func (s *Store) ShortestPath(startID, endID int64, direction string, edgeTypes []string, minHops, maxHops int) (*Path, error) {
	if startID == endID && minHops == 0 {
		return &Path{Nodes: []int64{startID}}, nil
	}
	type parent struct {
		from int64
		edge *Edge
	}
	parents := map[int64]parent{}
	visited := map[int64]bool{startID: true}
	queue := []bfsQueue{{nodeID: startID}}

	build := func(last parent, hop int) *Path {
		p := &Path{Nodes: make([]int64, hop+1), Edges: make([]*Edge, hop)}
		p.Nodes[hop] = endID
		cur := last
		for i := hop - 1; i >= 0; i-- {
			p.Edges[i] = cur.edge
			p.Nodes[i] = cur.from
			if i > 0 {
				cur = parents[cur.from]
			}
		}
		return p
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.hop >= maxHops {
			continue
		}
		steps, err := s.Neighbors(cur.nodeID, direction, edgeTypes)
		if err != nil {
			return nil, err
		}
		for _, st := range steps {
			hop := cur.hop + 1
			if st.Next == endID && hop >= minHops {
				return build(parent{from: cur.nodeID, edge: st.Edge}, hop), nil
			}
			if visited[st.Next] {
				continue
			}
			visited[st.Next] = true
			parents[st.Next] = parent{from: cur.nodeID, edge: st.Edge}
			queue = append(queue, bfsQueue{nodeID: st.Next, hop: hop})
		}
	}
	return nil, nil
}
