package schema

import (
	"sort"
	"time"
)

type Datatype struct {
	ID         int64
	Name       string
	PublicDate *time.Time // nil when the datatype is not public
}

func (d *Datatype) IsPublic() bool {
	return d.PublicDate != nil
}

// Edge is a datatree row. A link edge is a non-owning reference; any other edge is ownership.
type Edge struct {
	Ancestor   int64
	Descendant int64
	IsLink     bool
}

// Graph is every non-deleted datatype and the edges between them
type Graph struct {
	Datatypes map[int64]*Datatype
	Edges     []Edge
}

func NewGraph(datatypes []*Datatype, edges []Edge) *Graph {
	g := &Graph{
		Datatypes: make(map[int64]*Datatype, len(datatypes)),
		Edges:     edges,
	}
	for _, dt := range datatypes {
		g.Datatypes[dt.ID] = dt
	}
	return g
}

// Related is the set of datatypes that a search against Target may reach.
// Children maps every datatype reached through ownership edges, Target included, to its own
// direct children. Linked holds only the Target's direct links.
type Related struct {
	Target   int64
	Children map[int64][]int64
	Linked   []int64
	Public   map[int64]bool
}

// Datatypes returns every datatype in the set, in ascending order
func (r *Related) Datatypes() []int64 {
	ids := make([]int64, 0, len(r.Children)+len(r.Linked))
	for id := range r.Children {
		ids = append(ids, id)
	}
	for _, id := range r.Linked {
		if _, isChild := r.Children[id]; !isChild {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

func (r *Related) Contains(datatypeID int64) bool {
	return r.IsTarget(datatypeID) || r.IsChild(datatypeID) || r.IsLinked(datatypeID)
}

func (r *Related) IsTarget(datatypeID int64) bool {
	return r.Target != 0 && datatypeID == r.Target
}

// IsChild is true for a descendant reached through ownership edges. The target is not its own child.
func (r *Related) IsChild(datatypeID int64) bool {
	_, ok := r.Children[datatypeID]
	return ok && !r.IsTarget(datatypeID)
}

func (r *Related) IsLinked(datatypeID int64) bool {
	for _, id := range r.Linked {
		if id == datatypeID {
			return true
		}
	}
	return false
}

// ResolveRelated walks the datatype graph from target on behalf of the viewer.
//
// Datatypes that are neither public nor viewable are cut out of the graph before the walk,
// together with everything beneath them. Edges named in ignore are cut as well. Link edges
// are followed one level only, from the target itself. A target of 0 returns every visible
// datatype and every link destination, without grouping.
func ResolveRelated(g *Graph, target int64, v Viewer, ignore []Edge) *Related {
	skip := map[[2]int64]bool{}
	for _, e := range ignore {
		skip[[2]int64{e.Ancestor, e.Descendant}] = true
	}

	children := map[int64][]int64{}
	links := map[int64][]int64{}
	for _, e := range g.Edges {
		anc := g.Datatypes[e.Ancestor]
		dst := g.Datatypes[e.Descendant]
		if anc == nil || dst == nil || !v.CanSee(dst) || skip[[2]int64{e.Ancestor, e.Descendant}] {
			continue
		}
		if e.IsLink {
			links[e.Ancestor] = append(links[e.Ancestor], e.Descendant)
		} else {
			children[e.Ancestor] = append(children[e.Ancestor], e.Descendant)
		}
	}

	r := &Related{
		Target:   target,
		Children: map[int64][]int64{},
		Linked:   []int64{},
		Public:   map[int64]bool{},
	}

	if target == 0 {
		linked := map[int64]bool{}
		for id, dt := range g.Datatypes {
			if !v.CanSee(dt) {
				continue
			}
			r.Children[id] = uniqueSorted(children[id])
			for _, l := range links[id] {
				linked[l] = true
			}
		}
		for id := range linked {
			r.Linked = append(r.Linked, id)
		}
		sortIDs(r.Linked)
	} else {
		visited := map[int64]bool{target: true}
		queue := []int64{target}
		for len(queue) != 0 {
			id := queue[0]
			queue = queue[1:]
			kids := uniqueSorted(children[id])
			r.Children[id] = kids
			for _, kid := range kids {
				if !visited[kid] {
					visited[kid] = true
					queue = append(queue, kid)
				}
			}
		}
		for _, id := range uniqueSorted(links[target]) {
			if !visited[id] {
				r.Linked = append(r.Linked, id)
			}
		}
	}

	for _, id := range r.Datatypes() {
		if dt := g.Datatypes[id]; dt != nil {
			r.Public[id] = dt.IsPublic()
		}
	}
	return r
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func uniqueSorted(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := map[int64]bool{}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}
