package server

import (
	"context"

	"github.com/IMQS/recordsearch/query"
	"github.com/IMQS/recordsearch/schema"
	"github.com/IMQS/recordsearch/searchkey"
)

// combiner runs every query of one search, and merges the results into the final set of
// grandparent record ids
type combiner struct {
	runner  *runner
	key     *searchkey.Key
	related *schema.Related
	fields  *schema.FieldSet
	known   map[int64]schema.Field // every datafield named by the key, searchable or not
	md      *metadataSet
}

// combine merges the general ("basic") and structured ("advanced") results:
//
//	both           intersection, unless advanced had no constraints at all
//	only basic     basic
//	only advanced  advanced
//	neither        every visible record of the target
func (c *combiner) combine(ctx context.Context) ([]int64, error) {
	basic, haveBasic, err := c.general(ctx)
	if err != nil {
		return nil, err
	}
	advanced, wildcard, err := c.advanced(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case haveBasic && !wildcard:
		return intersectIDs(basic, advanced), nil
	case haveBasic:
		return basic, nil
	case !wildcard:
		return advanced, nil
	}
	return c.runner.metadataOnly(ctx, c.related.Target, c.related, c.md)
}

// validateTerms rejects terms on datafields that don't exist, and terms whose shape doesn't
// fit the datafield's typeclass
func (c *combiner) validateTerms() error {
	for _, id := range c.key.FieldIDs() {
		f, ok := c.known[id]
		if !ok {
			return validationError(CodeUnknownDatafield, "Datafield %v does not exist", id)
		}
		_, hasValue := c.key.Fields[id]
		_, hasRange := c.key.FieldRanges[id]
		isDate := f.Typeclass.Kind() == schema.KindDateRange
		if hasRange && !isDate {
			return validationError(CodeInvalidTerm, "Datafield %v is a %v field, and cannot be searched by date range", id, f.Typeclass)
		}
		if hasValue && isDate {
			return validationError(CodeInvalidTerm, "Datafield %v is a date field, and can only be searched by date range", id)
		}
	}
	return nil
}

// advanced runs the structured terms. Terms are intersected, or unioned under merge=OR.
// In AND mode, the first term without matches ends the search with an empty result.
// wildcard is true when the key has no structured terms and no metadata constraints.
func (c *combiner) advanced(ctx context.Context) (ids []int64, wildcard bool, err error) {
	fieldIDs := c.key.FieldIDs()
	if len(fieldIDs) == 0 && !c.md.hasUser() {
		return nil, true, nil
	}

	var acc []int64
	for _, id := range fieldIDs {
		matches := []int64{}
		if c.fields.Has(id) {
			q := fieldQuery{
				FieldIDs:   []int64{id},
				Typeclass:  c.fields.ByID[id],
				DatatypeID: c.fields.DatatypeOf[id],
				Term:       fieldTerm{Value: c.key.Fields[id], Range: c.key.FieldRanges[id]},
			}
			if matches, err = c.runner.run(ctx, q, c.related, c.md); err != nil {
				return nil, false, err
			}
		}
		switch {
		case acc == nil:
			acc = matches
		case c.key.MergeOR:
			acc = unionIDs(acc, matches)
		default:
			acc = intersectIDs(acc, matches)
		}
		if !c.key.MergeOR && len(acc) == 0 {
			return []int64{}, false, nil
		}
	}

	// Metadata is always a constraint. Under merge=OR a term only carries the metadata of its
	// own datatype, so every constrained datatype is searched again.
	backfill := c.md.unapplied()
	if c.key.MergeOR {
		backfill = c.md.constrained()
	}
	for _, datatypeID := range backfill {
		matches, err := c.runner.metadataOnly(ctx, datatypeID, c.related, c.md)
		if err != nil {
			return nil, false, err
		}
		if acc == nil {
			acc = matches
		} else {
			acc = intersectIDs(acc, matches)
		}
	}
	return acc, false, nil
}

// general runs the free-text terms against every text datafield of the target, and for "gen"
// also of its child datatypes. Linked datatypes are never part of a general search.
// When both gen and gen_lim are present, a record must match both.
func (c *combiner) general(ctx context.Context) (ids []int64, populated bool, err error) {
	var acc []int64
	for _, g := range []struct {
		text    string
		limited bool
	}{
		{c.key.General, false},
		{c.key.GeneralLimited, true},
	} {
		matches, ok, err := c.generalOne(ctx, g.text, g.limited)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if populated {
			acc = intersectIDs(acc, matches)
		} else {
			acc = matches
			populated = true
		}
	}
	return acc, populated, nil
}

// generalOne runs one free-text term. A term that compiles to nothing, such as a lone "!", is
// treated as absent.
func (c *combiner) generalOne(ctx context.Context, text string, limited bool) ([]int64, bool, error) {
	if query.Compile(text) == nil {
		return nil, false, nil
	}
	term := fieldTerm{Value: text}
	acc := []int64{}
	for _, tc := range schema.AllTypeclasses() {
		if !tc.InGeneralSearch() {
			continue
		}
		byDatatype := c.fields.ByTypeclass[tc]
		for _, datatypeID := range c.related.Datatypes() {
			fieldIDs := byDatatype[datatypeID]
			if len(fieldIDs) == 0 {
				continue
			}
			if !c.related.IsTarget(datatypeID) && (limited || !c.related.IsChild(datatypeID)) {
				continue
			}
			q := fieldQuery{
				FieldIDs:   fieldIDs,
				Typeclass:  tc,
				DatatypeID: datatypeID,
				Term:       term,
				General:    true,
			}
			matches, err := c.runner.run(ctx, q, c.related, c.md)
			if err != nil {
				return nil, false, err
			}
			acc = unionIDs(acc, matches)
		}
	}
	return acc, true, nil
}
