package server

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/IMQS/recordsearch/schema"
	"github.com/IMQS/recordsearch/searchkey"
)

// RecordSorter puts a datatype's records into display order
type RecordSorter interface {
	SortRecords(ctx context.Context, datatypeID int64, ids []int64, sortBy []searchkey.SortCriterion) ([]int64, error)
}

// sqlRecordSorter orders records by the value of the first sort field, and then by id.
// Records without a value for the sort field follow the records that have one.
// Without a usable sort field, records are in id order.
type sqlRecordSorter struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlRecordSorter) SortRecords(ctx context.Context, datatypeID int64, ids []int64, sortBy []searchkey.SortCriterion) ([]int64, error) {
	byID := sortedIDs(ids)
	if len(sortBy) == 0 || len(byID) == 0 {
		return byID, nil
	}
	criterion := sortBy[0]

	var tc schema.Typeclass
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT typeclass FROM datafield WHERE id = %d AND datatype_id = %d AND deleted_at IS NULL", criterion.FieldID, datatypeID)).Scan(&tc)
	if err == sql.ErrNoRows {
		return byID, nil
	} else if err != nil {
		return nil, err
	}
	if kind := tc.Kind(); kind != schema.KindText && kind != schema.KindDateRange && kind != schema.KindBoolean {
		return byID, nil
	}

	direction := "ASC"
	if strings.EqualFold(criterion.Direction, "desc") {
		direction = "DESC"
	}
	stmt := fmt.Sprintf(`SELECT dr.id FROM datarecord dr
		JOIN datarecordfield drf ON drf.datarecord_id = dr.id AND drf.datafield_id = %d AND drf.deleted_at IS NULL
		JOIN %v e ON e.drf_id = drf.id AND e.deleted_at IS NULL
		WHERE dr.id IN (%v)
		ORDER BY e.value %v, dr.id`, criterion.FieldID, tc.Table(), inlineIDs(byID), direction)
	withValue, err := queryIDs(ctx, s.db, stmt)
	if err != nil {
		return nil, err
	}

	out := make([]int64, 0, len(byID))
	seen := make(map[int64]bool, len(byID))
	for _, id := range withValue {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range byID {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
