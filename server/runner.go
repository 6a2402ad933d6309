package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/IMQS/log"
	"github.com/IMQS/recordsearch/schema"
)

var errUnreachableDatatype = errors.New("Datatype is not reachable from the search target")

// topology is the way a datatype's records are joined to the grandparent records
type topology int

const (
	topologyDirect topology = iota // the datatype is the target, so its records are the grandparents
	topologyChild                  // records whose grandparent_id is the grandparent
	topologyLinked                 // records that the grandparent links to through linked_datatree
)

func (t topology) String() string {
	switch t {
	case topologyDirect:
		return "direct"
	case topologyChild:
		return "child"
	case topologyLinked:
		return "linked"
	}
	return fmt.Sprintf("topology(%d)", int(t))
}

func topologyOf(related *schema.Related, datatypeID int64) (topology, error) {
	switch {
	case related.IsTarget(datatypeID):
		return topologyDirect, nil
	case related.IsChild(datatypeID):
		return topologyChild, nil
	case related.IsLinked(datatypeID):
		return topologyLinked, nil
	}
	return 0, fmt.Errorf("%w: datatype %v, target %v", errUnreachableDatatype, datatypeID, related.Target)
}

// queryBuilder assembles one grandparent id query. Values are bound by name, and only
// turned into positional parameters when the statement is complete.
type queryBuilder struct {
	dialect dialect
	joins   []string
	where   []string
	params  map[string]any
	n       int
}

func newQueryBuilder(d dialect) *queryBuilder {
	return &queryBuilder{
		dialect: d,
		params:  map[string]any{},
	}
}

// bind adds a value under a fresh name, and returns its placeholder
func (b *queryBuilder) bind(prefix string, v any) string {
	name := fmt.Sprintf("%v_%d", prefix, b.n)
	b.n++
	b.params[name] = v
	return ":" + name
}

// constant binds a value that is the same wherever it appears
func (b *queryBuilder) constant(name string, v any) string {
	b.params[name] = v
	return ":" + name
}

func (b *queryBuilder) join(format string, args ...any) {
	b.joins = append(b.joins, fmt.Sprintf(format, args...))
}

func (b *queryBuilder) and(condition string) {
	b.where = append(b.where, condition)
}

func (b *queryBuilder) grandparentIDs() string {
	s := strings.Builder{}
	s.WriteString("SELECT gp.id FROM datarecord gp")
	for _, j := range b.joins {
		s.WriteString(" ")
		s.WriteString(j)
	}
	s.WriteString(" WHERE ")
	s.WriteString(strings.Join(b.where, " AND "))
	s.WriteString(" GROUP BY gp.id ORDER BY gp.id")
	return s.String()
}

// fieldQuery searches one homogeneous group of datafields, which all belong to DatatypeID
type fieldQuery struct {
	FieldIDs   []int64
	Typeclass  schema.Typeclass
	DatatypeID int64
	Term       fieldTerm

	// A general search neither applies nor consumes the user's metadata for the level it searches
	General bool
}

// runner turns field queries into SQL, and returns the matching grandparent record ids
type runner struct {
	db      *sql.DB
	dialect dialect
	metrics *metrics
	log     *log.Logger
}

// joinLevel joins the records of datatypeID to the grandparents, and returns their alias
func (r *runner) joinLevel(b *queryBuilder, topo topology, target, datatypeID int64) string {
	b.and("gp.deleted_at IS NULL")
	b.and(fmt.Sprintf("gp.datatype_id = %d", target))
	switch topo {
	case topologyChild:
		b.join("JOIN datarecord dr ON dr.grandparent_id = gp.id AND dr.deleted_at IS NULL AND dr.datatype_id = %d", datatypeID)
		return "dr"
	case topologyLinked:
		b.join("JOIN linked_datatree ldt ON ldt.ancestor_id = gp.id AND ldt.deleted_at IS NULL")
		b.join("JOIN datarecord ldr ON ldr.id = ldt.descendant_id AND ldr.deleted_at IS NULL AND ldr.datatype_id = %d", datatypeID)
		return "ldr"
	}
	return "gp"
}

// run executes a field query. The grandparent's own metadata is always part of the query,
// because visibility of the grandparent gates everything beneath it.
func (r *runner) run(ctx context.Context, q fieldQuery, related *schema.Related, md *metadataSet) ([]int64, error) {
	if len(q.FieldIDs) == 0 {
		return []int64{}, nil
	}
	strategy, err := strategyFor(q.Typeclass)
	if err != nil {
		return nil, internalError("4c1e9a", err)
	}
	topo, err := topologyOf(related, q.DatatypeID)
	if err != nil {
		return nil, internalError("8d03b2", err)
	}

	b := newQueryBuilder(r.dialect)
	condition, err := strategy.build(b, q.Typeclass, q.Term)
	if err != nil {
		return nil, err
	}
	if condition == "" {
		return []int64{}, nil
	}

	level := r.joinLevel(b, topo, related.Target, q.DatatypeID)
	join := "JOIN"
	if strategy.leftJoin() {
		join = "LEFT JOIN"
	}
	b.join("%v datarecordfield drf ON drf.datarecord_id = %v.id AND drf.deleted_at IS NULL AND drf.datafield_id IN (%v)", join, level, inlineIDs(q.FieldIDs))
	b.join("%v %v e ON e.drf_id = drf.id AND e.deleted_at IS NULL", join, q.Typeclass.Table())
	b.and(condition)

	md.render(b, "gp", related.Target, true)
	if level != "gp" {
		md.render(b, level, q.DatatypeID, !q.General)
	}

	ids, err := r.query(ctx, b, topo)
	if err != nil {
		return nil, err
	}
	if !q.General {
		md.markApplied(related.Target)
		md.markApplied(q.DatatypeID)
	}
	return ids, nil
}

// metadataOnly returns the grandparents whose records of datatypeID satisfy the metadata constraints,
// without looking at any datafield
func (r *runner) metadataOnly(ctx context.Context, datatypeID int64, related *schema.Related, md *metadataSet) ([]int64, error) {
	topo, err := topologyOf(related, datatypeID)
	if err != nil {
		return nil, internalError("b7f251", err)
	}
	b := newQueryBuilder(r.dialect)
	level := r.joinLevel(b, topo, related.Target, datatypeID)
	md.render(b, "gp", related.Target, true)
	if level != "gp" {
		md.render(b, level, datatypeID, true)
	}
	ids, err := r.query(ctx, b, topo)
	if err != nil {
		return nil, err
	}
	md.markApplied(related.Target)
	md.markApplied(datatypeID)
	return ids, nil
}

func (r *runner) query(ctx context.Context, b *queryBuilder, topo topology) ([]int64, error) {
	stmt, args, err := bindNamed(r.dialect, b.grandparentIDs(), b.params)
	if err != nil {
		return nil, internalError("19aa6e", err)
	}
	r.metrics.subqueries.WithLabelValues(topo.String()).Inc()
	r.log.Debugf("Field query (%v): %v", topo, stmt)
	ids, err := queryIDs(ctx, r.db, stmt, args...)
	if err != nil {
		return nil, internalError("e2570d", err)
	}
	return ids, nil
}

func queryIDs(ctx context.Context, db *sql.DB, stmt string, args ...any) ([]int64, error) {
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
