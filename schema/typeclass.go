package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Typeclass is the storage category of a datafield. Each typeclass owns one storage table.
type Typeclass int

const (
	ShortVarchar Typeclass = iota + 1
	MediumVarchar
	LongVarchar
	LongText
	IntegerValue
	DecimalValue
	DatetimeValue
	Boolean
	Radio
	Tag
	File
	Image
	Markdown
)

// Kind groups typeclasses by the shape of the predicate that searches them
type Kind int

const (
	KindNone Kind = iota
	KindText
	KindBoolean
	KindSelection
	KindPresence
	KindDateRange
)

type typeclassInfo struct {
	name  string
	table string
	kind  Kind
}

var typeclasses = map[Typeclass]typeclassInfo{
	ShortVarchar:  {"ShortVarchar", "short_varchar", KindText},
	MediumVarchar: {"MediumVarchar", "medium_varchar", KindText},
	LongVarchar:   {"LongVarchar", "long_varchar", KindText},
	LongText:      {"LongText", "long_text", KindText},
	IntegerValue:  {"IntegerValue", "integer_value", KindText},
	DecimalValue:  {"DecimalValue", "decimal_value", KindText},
	DatetimeValue: {"DatetimeValue", "datetime_value", KindDateRange},
	Boolean:       {"Boolean", "boolean_value", KindBoolean},
	Radio:         {"Radio", "radio_selection", KindSelection},
	Tag:           {"Tag", "tag_selection", KindSelection},
	File:          {"File", "file", KindPresence},
	Image:         {"Image", "image", KindPresence},
	Markdown:      {"Markdown", "", KindNone},
}

func ParseTypeclass(name string) (Typeclass, error) {
	for tc, info := range typeclasses {
		if strings.EqualFold(info.name, name) {
			return tc, nil
		}
	}
	return 0, fmt.Errorf("Unknown typeclass '%v'", name)
}

func AllTypeclasses() []Typeclass {
	all := make([]Typeclass, 0, len(typeclasses))
	for tc := ShortVarchar; tc <= Markdown; tc++ {
		all = append(all, tc)
	}
	return all
}

func (t Typeclass) String() string {
	if info, ok := typeclasses[t]; ok {
		return info.name
	}
	return fmt.Sprintf("Typeclass(%d)", int(t))
}

// Table is the storage table holding values of this typeclass. It is empty for typeclasses
// that store nothing.
func (t Typeclass) Table() string {
	return typeclasses[t].table
}

func (t Typeclass) Kind() Kind {
	return typeclasses[t].kind
}

func (t Typeclass) IsNumeric() bool {
	return t == IntegerValue || t == DecimalValue
}

// InGeneralSearch is true for the typeclasses that a free-text general search covers
func (t Typeclass) InGeneralSearch() bool {
	return t.Kind() == KindText
}

func (t Typeclass) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Typeclass) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	tc, err := ParseTypeclass(name)
	if err != nil {
		return err
	}
	*t = tc
	return nil
}

// Scan reads a typeclass name from the datafield table
func (t *Typeclass) Scan(src any) error {
	var name string
	switch v := src.(type) {
	case string:
		name = v
	case []byte:
		name = string(v)
	default:
		return fmt.Errorf("Cannot scan %T into Typeclass", src)
	}
	tc, err := ParseTypeclass(name)
	if err != nil {
		return err
	}
	*t = tc
	return nil
}
