package server

import (
	"context"
	"fmt"

	"github.com/IMQS/recordsearch/schema"
)

// loadGraph reads every non-deleted datatype, and the edges between them
func (e *Engine) loadGraph(ctx context.Context) (*schema.Graph, error) {
	rows, err := e.DB.QueryContext(ctx, "SELECT id, name, public_date FROM datatype WHERE deleted_at IS NULL")
	if err != nil {
		return nil, err
	}
	datatypes := []*schema.Datatype{}
	for rows.Next() {
		dt := &schema.Datatype{}
		var pub dbTime
		if err := rows.Scan(&dt.ID, &dt.Name, &pub); err != nil {
			rows.Close()
			return nil, err
		}
		dt.PublicDate = publicDate(pub)
		datatypes = append(datatypes, dt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = e.DB.QueryContext(ctx, "SELECT ancestor_id, descendant_id, is_link FROM datatree WHERE deleted_at IS NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	edges := []schema.Edge{}
	for rows.Next() {
		var edge schema.Edge
		var isLink int
		if err := rows.Scan(&edge.Ancestor, &edge.Descendant, &isLink); err != nil {
			return nil, err
		}
		edge.IsLink = isLink != 0
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return schema.NewGraph(datatypes, edges), nil
}

func (e *Engine) loadFields(ctx context.Context, datatypeIDs []int64) ([]schema.Field, error) {
	return e.queryFields(ctx, fmt.Sprintf("datatype_id IN (%v)", inlineIDs(datatypeIDs)))
}

// loadFieldsByID finds datafields by id, regardless of the datatype they belong to
func (e *Engine) loadFieldsByID(ctx context.Context, fieldIDs []int64) ([]schema.Field, error) {
	return e.queryFields(ctx, fmt.Sprintf("id IN (%v)", inlineIDs(fieldIDs)))
}

func (e *Engine) queryFields(ctx context.Context, filter string) ([]schema.Field, error) {
	rows, err := e.DB.QueryContext(ctx, "SELECT id, datatype_id, name, typeclass, searchable FROM datafield WHERE deleted_at IS NULL AND "+filter+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	fields := []schema.Field{}
	for rows.Next() {
		var f schema.Field
		var searchable int
		if err := rows.Scan(&f.ID, &f.DatatypeID, &f.Name, &f.Typeclass, &searchable); err != nil {
			return nil, err
		}
		f.Searchable = schema.Searchability(searchable)
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// liveRecords returns the subset of ids that are not deleted, in the order given
func (e *Engine) liveRecords(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}
	live, err := queryIDs(ctx, e.DB, fmt.Sprintf("SELECT id FROM datarecord WHERE deleted_at IS NULL AND id IN (%v)", inlineIDs(sortedIDs(ids))))
	if err != nil {
		return nil, err
	}
	isLive := make(map[int64]bool, len(live))
	for _, id := range live {
		isLive[id] = true
	}
	out := make([]int64, 0, len(live))
	for _, id := range ids {
		if isLive[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// linkingRecords returns the records of datatypeID that link to any of ids
func (e *Engine) linkingRecords(ctx context.Context, datatypeID int64, ids []int64, v schema.Viewer) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}
	b := newQueryBuilder(e.dialect)
	visibility := ""
	if !v.CanView(datatypeID) {
		visibility = " AND ar.public_date <> " + b.constant("nonpublic", nonPublicSentinel)
	}
	stmt, args, err := bindNamed(e.dialect, fmt.Sprintf(`SELECT ar.id FROM linked_datatree ldt
		JOIN datarecord ar ON ar.id = ldt.ancestor_id AND ar.deleted_at IS NULL AND ar.datatype_id = %d%v
		WHERE ldt.deleted_at IS NULL AND ldt.descendant_id IN (%v)
		GROUP BY ar.id ORDER BY ar.id`, datatypeID, visibility, inlineIDs(ids)), b.params)
	if err != nil {
		return nil, err
	}
	return queryIDs(ctx, e.DB, stmt, args...)
}
