package schema

import "sort"

type Searchability int

const (
	NotSearchable      Searchability = 0
	SearchableByAnyone Searchability = 1
	SearchableLoggedIn Searchability = 2
)

type Field struct {
	ID         int64
	DatatypeID int64
	Name       string
	Typeclass  Typeclass
	Searchable Searchability
}

// FieldSet is the set of datafields that one viewer may search within a related set
type FieldSet struct {
	ByTypeclass map[Typeclass]map[int64][]int64 // typeclass -> datatype -> datafields
	ByID        map[int64]Typeclass
	DatatypeOf  map[int64]int64

	fields []Field
}

// ResolveSearchable filters fields down to those the viewer may search. A field survives when
// it belongs to the related set, is marked searchable, is not restricted to logged-in users
// (unless the viewer is logged in), and its datatype is public or viewable.
func ResolveSearchable(r *Related, v Viewer, fields []Field) *FieldSet {
	s := &FieldSet{
		ByTypeclass: map[Typeclass]map[int64][]int64{},
		ByID:        map[int64]Typeclass{},
		DatatypeOf:  map[int64]int64{},
	}
	for _, f := range fields {
		switch {
		case !r.Contains(f.DatatypeID):
			continue
		case f.Searchable == NotSearchable || f.Typeclass.Kind() == KindNone:
			continue
		case f.Searchable == SearchableLoggedIn && !v.LoggedIn():
			continue
		case !r.Public[f.DatatypeID] && !v.CanView(f.DatatypeID):
			continue
		}
		byDatatype := s.ByTypeclass[f.Typeclass]
		if byDatatype == nil {
			byDatatype = map[int64][]int64{}
			s.ByTypeclass[f.Typeclass] = byDatatype
		}
		byDatatype[f.DatatypeID] = append(byDatatype[f.DatatypeID], f.ID)
		s.ByID[f.ID] = f.Typeclass
		s.DatatypeOf[f.ID] = f.DatatypeID
		s.fields = append(s.fields, f)
	}
	for _, byDatatype := range s.ByTypeclass {
		for _, ids := range byDatatype {
			sortIDs(ids)
		}
	}
	sort.Slice(s.fields, func(i, j int) bool { return s.fields[i].ID < s.fields[j].ID })
	return s
}

func (s *FieldSet) Has(fieldID int64) bool {
	_, ok := s.ByID[fieldID]
	return ok
}

func (s *FieldSet) Fields() []Field {
	return s.fields
}

// GroupByDatatype is the field picker view of the set
func (s *FieldSet) GroupByDatatype() map[int64][]Field {
	groups := map[int64][]Field{}
	for _, f := range s.fields {
		groups[f.DatatypeID] = append(groups[f.DatatypeID], f)
	}
	return groups
}
