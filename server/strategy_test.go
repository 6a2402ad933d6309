package server

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IMQS/recordsearch/schema"
	"github.com/IMQS/recordsearch/searchkey"
)

func expectCondition(t *testing.T, tc schema.Typeclass, term fieldTerm, expect string, params map[string]any) {
	t.Helper()
	strategy, err := strategyFor(tc)
	if err != nil {
		t.Fatal(err)
	}
	b := newQueryBuilder(sqlite)
	got, err := strategy.build(b, tc, term)
	if err != nil {
		t.Fatalf("%v %+v: %v", tc, term, err)
	}
	if got != expect {
		t.Errorf("%v %+v: expected %q, but got %q", tc, term, expect, got)
	}
	for name, v := range params {
		if b.params[name] != v {
			t.Errorf("%v %+v: expected :%v = %v, but got %v", tc, term, name, v, b.params[name])
		}
	}
}

func TestTextStrategy(t *testing.T) {
	expectCondition(t, schema.ShortVarchar, fieldTerm{Value: "abelsonite structure"},
		"(e.value LIKE :term_0 AND e.value LIKE :term_1)", map[string]any{"term_0": "%abelsonite%", "term_1": "%structure%"})
	expectCondition(t, schema.IntegerValue, fieldTerm{Value: ">= 5"},
		"(e.value >= :term_0)", map[string]any{"term_0": int64(5)})
	expectCondition(t, schema.LongText, fieldTerm{Value: "   "}, "", nil)
}

func TestBooleanStrategy(t *testing.T) {
	expectCondition(t, schema.Boolean, fieldTerm{Value: "1"}, "e.value = :bool_0", map[string]any{"bool_0": int64(1)})
	expectCondition(t, schema.Boolean, fieldTerm{Value: " 0 "}, "e.value = :bool_0", map[string]any{"bool_0": int64(0)})

	strategy, _ := strategyFor(schema.Boolean)
	_, err := strategy.build(newQueryBuilder(sqlite), schema.Boolean, fieldTerm{Value: "true"})
	var se *Error
	if !errors.As(err, &se) || se.Code != CodeInvalidTerm {
		t.Errorf("Expected invalid term, but got %v", err)
	}
}

func TestSelectionStrategy(t *testing.T) {
	expectCondition(t, schema.Radio, fieldTerm{Value: "41,-42"},
		"((e.radio_option_id = :opt_0 AND e.selected = :sel_1) OR (e.radio_option_id = :opt_2 AND e.selected = :sel_3))",
		map[string]any{"opt_0": int64(41), "sel_1": int64(1), "opt_2": int64(42), "sel_3": int64(0)})
	expectCondition(t, schema.Tag, fieldTerm{Value: "~7"},
		"((e.tag_id = :opt_0 AND e.selected = :sel_1))", map[string]any{"opt_0": int64(7), "sel_1": int64(1)})
	expectCondition(t, schema.Tag, fieldTerm{Value: ","}, "", nil)

	strategy, _ := strategyFor(schema.Radio)
	if _, err := strategy.build(newQueryBuilder(sqlite), schema.Radio, fieldTerm{Value: "41,x"}); !errors.Is(err, searchkey.ErrInvalidKey) {
		t.Errorf("Expected an invalid option id to fail, but got %v", err)
	}
}

func TestPresenceStrategy(t *testing.T) {
	expectCondition(t, schema.File, fieldTerm{Value: "1"}, "e.id IS NOT NULL", nil)
	expectCondition(t, schema.Image, fieldTerm{Value: "0"}, "e.id IS NULL", nil)
	if strategy, _ := strategyFor(schema.File); !strategy.leftJoin() {
		t.Error("Absence can only be found through an outer join")
	}
}

func TestDateRangeStrategy(t *testing.T) {
	start := time.Date(2003, 1, 1, 0, 0, 0, 0, time.UTC)
	expectCondition(t, schema.DatetimeValue, fieldTerm{Range: searchkey.DateRange{Start: &start}},
		"e.value BETWEEN :start_0 AND :end_1", map[string]any{"start_0": start, "end_1": nonPublicSentinel})
	expectCondition(t, schema.DatetimeValue, fieldTerm{Range: searchkey.DateRange{End: &start}},
		"e.value BETWEEN :start_0 AND :end_1", map[string]any{"start_0": epochFloor, "end_1": start})
	expectCondition(t, schema.DatetimeValue, fieldTerm{}, "", nil)
}

func TestMarkdownIsNotSearchable(t *testing.T) {
	if _, err := strategyFor(schema.Markdown); err == nil {
		t.Error("Expected Markdown to have no strategy")
	}
}

func TestMetadataRender(t *testing.T) {
	public := true
	k := searchkey.New(1)
	k.MetadataFor(1).Public = &public
	k.MetadataFor(1).CreatedBy = 5
	k.MetadataFor(10).Public = &public

	md := newMetadataSet(k, schema.Viewer{UserID: 8, Permissions: schema.Permissions{1: {View: true}}})
	b := newQueryBuilder(sqlite)
	md.render(b, "gp", 1, true)
	md.render(b, "dr", 10, false)
	got := strings.Join(b.where, " AND ")
	expect := "gp.public_date <> :nonpublic AND gp.created_by = :user_0 AND dr.public_date <> :nonpublic"
	if got != expect {
		t.Errorf("Expected %q, but got %q", expect, got)
	}

	md.markApplied(1)
	md.markApplied(2) // no user constraints on 2, so nothing to mark
	if unapplied := md.unapplied(); len(unapplied) != 1 || unapplied[0] != 10 {
		t.Errorf("Expected only datatype 10 to be unapplied, but got %v", unapplied)
	}
}
