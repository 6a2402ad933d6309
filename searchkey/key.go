// Package searchkey encodes and decodes search keys.
//
// A search key is the canonical, pipe-delimited form of a user's search parameters, for example
//
//	dt_id=3|gen=quartz|18=%22Arizona%22|3_pub=1|sort_by=%5B%7B%22sort_df_id%22%3A64%2C%22sort_dir%22%3A%22asc%22%7D%5D
//
// Terms always appear in the same order, so two equal sets of parameters produce the same key,
// and therefore the same cache hash.
package searchkey

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	CodeInvalidKey      = "invalid_search_key"
	CodeMissingDatatype = "missing_datatype"
	CodeUnknownDatatype = "unknown_datatype"
)

var ErrInvalidKey = errors.New("Invalid search key")

// Error is a validation failure. Code is stable and safe to hand to API clients.
type Error struct {
	Code   string
	Term   string
	Reason string
}

func (e *Error) Error() string {
	if e.Term == "" {
		return fmt.Sprintf("%v: %v", ErrInvalidKey, e.Reason)
	}
	return fmt.Sprintf("%v: term '%v': %v", ErrInvalidKey, e.Term, e.Reason)
}

func (e *Error) Is(target error) bool {
	return target == ErrInvalidKey
}

func invalid(term, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidKey, Term: term, Reason: fmt.Sprintf(format, args...)}
}

// DateRange is a closed interval where either end may be open
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

func (r DateRange) IsZero() bool {
	return r.Start == nil && r.End == nil
}

// Metadata holds the record-level constraints for one datatype
type Metadata struct {
	Public     *bool // nil means "public and non-public"
	Created    DateRange
	Modified   DateRange
	CreatedBy  int64
	ModifiedBy int64
}

func (m *Metadata) IsZero() bool {
	return m.Public == nil && m.Created.IsZero() && m.Modified.IsZero() && m.CreatedBy == 0 && m.ModifiedBy == 0
}

// Edge is an ancestor->descendant datatype edge, named by "ignore" terms
type Edge struct {
	Ancestor   int64
	Descendant int64
}

type SortCriterion struct {
	FieldID   int64  `json:"sort_df_id"`
	Direction string `json:"sort_dir"`
}

// Selection is one entry of a Radio or Tag selection list
type Selection struct {
	OptionID int64
	Exclude  bool // "-" prefix: the option must be unselected
	OrGroup  bool // "~" prefix
}

// Key is the decoded form of a search key
type Key struct {
	DatatypeID     int64
	General        string
	GeneralLimited string
	Fields         map[int64]string    // datafield id -> raw value
	FieldRanges    map[int64]DateRange // datafield id -> date range, from <df>_s and <df>_e
	Metadata       map[int64]*Metadata // datatype id -> record metadata constraints
	MergeOR        bool
	Inverse        int64
	Ignore         []Edge
	SortBy         []SortCriterion
}

func New(datatypeID int64) *Key {
	return &Key{
		DatatypeID:  datatypeID,
		Fields:      map[int64]string{},
		FieldRanges: map[int64]DateRange{},
		Metadata:    map[int64]*Metadata{},
	}
}

// MetadataFor returns the metadata constraints for a datatype, creating them if necessary
func (k *Key) MetadataFor(datatypeID int64) *Metadata {
	m := k.Metadata[datatypeID]
	if m == nil {
		m = &Metadata{}
		k.Metadata[datatypeID] = m
	}
	return m
}

// FieldIDs returns every datafield named by a structured term, in ascending order
func (k *Key) FieldIDs() []int64 {
	seen := map[int64]bool{}
	ids := []int64{}
	for id := range k.Fields {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range k.FieldRanges {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MetadataDatatypes returns the datatypes that carry metadata constraints, in ascending order
func (k *Key) MetadataDatatypes() []int64 {
	ids := []int64{}
	for id, m := range k.Metadata {
		if !m.IsZero() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CheckDatatypes rejects metadata terms that name a datatype for which known returns false
func (k *Key) CheckDatatypes(known func(datatypeID int64) bool) error {
	for _, id := range k.MetadataDatatypes() {
		if !known(id) {
			return &Error{
				Code:   CodeUnknownDatatype,
				Term:   strconv.FormatInt(id, 10) + "_*",
				Reason: fmt.Sprintf("datatype %v is not part of this search", id),
			}
		}
	}
	return nil
}

// Hash is the cache identity of the key: the hex md5 of its canonical encoding
func (k *Key) Hash() string {
	sum := md5.Sum([]byte(Encode(k)))
	return hex.EncodeToString(sum[:])
}

// ParseSelections parses a Radio or Tag selection list such as "12,-13,~14"
func ParseSelections(raw string) ([]Selection, error) {
	list := []Selection{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sel := Selection{}
		for len(part) != 0 && (part[0] == '-' || part[0] == '~') {
			if part[0] == '-' {
				sel.Exclude = true
			} else {
				sel.OrGroup = true
			}
			part = part[1:]
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, invalid("", "'%v' is not a valid option id", part)
		}
		sel.OptionID = id
		list = append(list, sel)
	}
	return list, nil
}
