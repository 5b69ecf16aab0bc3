package cluster

// disjointSet is a union-find over person ids. The smaller id always becomes
// the root, so the resulting partition does not depend on union order.
type disjointSet struct {
	parent map[int64]int64
}

func newDisjointSet() *disjointSet {
	return &disjointSet{parent: make(map[int64]int64)}
}

func (d *disjointSet) add(id int64) {
	if _, ok := d.parent[id]; !ok {
		d.parent[id] = id
	}
}

func (d *disjointSet) find(id int64) int64 {
	root := id
	for d.parent[root] != root {
		root = d.parent[root]
	}
	// path compression
	for id != root {
		next := d.parent[id]
		d.parent[id] = root
		id = next
	}
	return root
}

func (d *disjointSet) union(a, b int64) {
	d.add(a)
	d.add(b)
	ra, rb := d.find(a), d.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	d.parent[rb] = ra
}

// components groups every known id by root.
func (d *disjointSet) components() map[int64][]int64 {
	out := make(map[int64][]int64)
	for id := range d.parent {
		root := d.find(id)
		out[root] = append(out[root], id)
	}
	return out
}
