package server

import (
	"fmt"
	"strings"

	"github.com/IMQS/recordsearch/query"
	"github.com/IMQS/recordsearch/schema"
	"github.com/IMQS/recordsearch/searchkey"
)

// fieldTerm is the user's constraint on one datafield. Value holds the raw term, and Range
// the bounds of a date range term.
type fieldTerm struct {
	Value string
	Range searchkey.DateRange
}

// predicateStrategy builds the condition for one kind of typeclass. The condition is written
// against the storage table alias "e". An empty condition means the term has nothing to search for.
type predicateStrategy interface {
	build(b *queryBuilder, tc schema.Typeclass, t fieldTerm) (string, error)

	// leftJoin is true when the storage row may be missing, and its absence is what is being searched for
	leftJoin() bool
}

func strategyFor(tc schema.Typeclass) (predicateStrategy, error) {
	switch tc.Kind() {
	case schema.KindText:
		return textStrategy{}, nil
	case schema.KindBoolean:
		return booleanStrategy{}, nil
	case schema.KindSelection:
		return selectionStrategy{}, nil
	case schema.KindPresence:
		return presenceStrategy{}, nil
	case schema.KindDateRange:
		return dateRangeStrategy{}, nil
	}
	return nil, fmt.Errorf("Typeclass %v cannot be searched", tc)
}

type textStrategy struct{}

func (textStrategy) build(b *queryBuilder, tc schema.Typeclass, t fieldTerm) (string, error) {
	p := query.Compile(t.Value)
	if p == nil {
		return "", nil
	}
	for name, v := range p.Params {
		b.params[name] = v
	}
	return "(" + p.Render(func(c query.Comparison) string {
		return b.dialect.comparison(c, tc.IsNumeric(), p.Params[c.Param])
	}) + ")", nil
}

func (textStrategy) leftJoin() bool { return false }

type booleanStrategy struct{}

func (booleanStrategy) build(b *queryBuilder, tc schema.Typeclass, t fieldTerm) (string, error) {
	switch strings.TrimSpace(t.Value) {
	case "0":
		return "e.value = " + b.bind("bool", int64(0)), nil
	case "1":
		return "e.value = " + b.bind("bool", int64(1)), nil
	}
	return "", validationError(CodeInvalidTerm, "A %v term must be 0 or 1, not '%v'", tc, t.Value)
}

func (booleanStrategy) leftJoin() bool { return false }

// selectionStrategy matches Radio and Tag selections. Selections are combined with OR, so a
// record matches when any one of the listed options is in the requested state.
type selectionStrategy struct{}

func (selectionStrategy) build(b *queryBuilder, tc schema.Typeclass, t fieldTerm) (string, error) {
	selections, err := searchkey.ParseSelections(t.Value)
	if err != nil {
		return "", err
	}
	column := "e.radio_option_id"
	if tc == schema.Tag {
		column = "e.tag_id"
	}
	conditions := []string{}
	for _, sel := range selections {
		selected := int64(1)
		if sel.Exclude {
			selected = 0
		}
		conditions = append(conditions, fmt.Sprintf("(%v = %v AND e.selected = %v)", column, b.bind("opt", sel.OptionID), b.bind("sel", selected)))
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return "(" + strings.Join(conditions, " OR ") + ")", nil
}

func (selectionStrategy) leftJoin() bool { return false }

type presenceStrategy struct{}

func (presenceStrategy) build(b *queryBuilder, tc schema.Typeclass, t fieldTerm) (string, error) {
	switch strings.TrimSpace(t.Value) {
	case "0":
		return "e.id IS NULL", nil
	case "1":
		return "e.id IS NOT NULL", nil
	}
	return "", validationError(CodeInvalidTerm, "A %v term must be 0 (absent) or 1 (present), not '%v'", tc, t.Value)
}

func (presenceStrategy) leftJoin() bool { return true }

type dateRangeStrategy struct{}

func (dateRangeStrategy) build(b *queryBuilder, tc schema.Typeclass, t fieldTerm) (string, error) {
	if t.Range.IsZero() {
		return "", nil
	}
	start, end := epochFloor, nonPublicSentinel
	if t.Range.Start != nil {
		start = t.Range.Start.UTC()
	}
	if t.Range.End != nil {
		end = t.Range.End.UTC()
	}
	return "e.value BETWEEN " + b.bind("start", start) + " AND " + b.bind("end", end), nil
}

func (dateRangeStrategy) leftJoin() bool { return false }
