package server

import (
	"sort"

	"github.com/IMQS/recordsearch/schema"
	"github.com/IMQS/recordsearch/searchkey"
)

// metadataSet accumulates the record-level constraints of one search.
//
// User constraints come from the search key. Forced constraints come from the viewer: records
// of a datatype that the viewer may not view are restricted to public records, whether or not
// the key asked for that. A user constraint is "applied" once a field query has rendered it.
// Constraints that no field query rendered are searched on their own afterwards.
type metadataSet struct {
	user    map[int64]*searchkey.Metadata
	applied map[int64]bool
	viewer  schema.Viewer
}

func newMetadataSet(k *searchkey.Key, v schema.Viewer) *metadataSet {
	m := &metadataSet{
		user:    map[int64]*searchkey.Metadata{},
		applied: map[int64]bool{},
		viewer:  v,
	}
	for _, id := range k.MetadataDatatypes() {
		m.user[id] = k.Metadata[id]
	}
	return m
}

func (m *metadataSet) hasUser() bool {
	return len(m.user) != 0
}

func (m *metadataSet) markApplied(datatypeID int64) {
	if m.user[datatypeID] != nil {
		m.applied[datatypeID] = true
	}
}

// unapplied returns the datatypes whose user constraints have not been rendered by any field query
func (m *metadataSet) unapplied() []int64 {
	ids := []int64{}
	for _, id := range m.constrained() {
		if !m.applied[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// constrained returns every datatype with user constraints, in ascending order
func (m *metadataSet) constrained() []int64 {
	ids := []int64{}
	for id := range m.user {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// render adds the constraints on the record alias, which holds records of datatypeID.
// Forced visibility is always rendered. User constraints are rendered when withUser is set.
func (m *metadataSet) render(b *queryBuilder, alias string, datatypeID int64, withUser bool) {
	if !m.viewer.CanView(datatypeID) {
		b.and(alias + ".public_date <> " + b.constant("nonpublic", nonPublicSentinel))
	}
	if !withUser {
		return
	}
	md := m.user[datatypeID]
	if md == nil {
		return
	}
	if md.Public != nil {
		if *md.Public {
			b.and(alias + ".public_date <> " + b.constant("nonpublic", nonPublicSentinel))
		} else {
			b.and(alias + ".public_date = " + b.constant("nonpublic", nonPublicSentinel))
		}
	}
	renderRange(b, alias+".created", md.Created)
	renderRange(b, alias+".updated", md.Modified)
	if md.CreatedBy != 0 {
		b.and(alias + ".created_by = " + b.bind("user", md.CreatedBy))
	}
	if md.ModifiedBy != 0 {
		b.and(alias + ".updated_by = " + b.bind("user", md.ModifiedBy))
	}
}

// renderRange closes an open-ended range with the epoch floor and the unset sentinel
func renderRange(b *queryBuilder, column string, r searchkey.DateRange) {
	if r.IsZero() {
		return
	}
	start, end := epochFloor, nonPublicSentinel
	if r.Start != nil {
		start = r.Start.UTC()
	}
	if r.End != nil {
		end = r.End.UTC()
	}
	b.and(column + " BETWEEN " + b.bind("start", start) + " AND " + b.bind("end", end))
}
