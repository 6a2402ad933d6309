package searchkey

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
	fractionLayout = "2006-01-02 15:04:05.999999999"
)

var (
	fieldTerm      = regexp.MustCompile(`^(\d+)$`)
	fieldRangeTerm = regexp.MustCompile(`^(\d+)_([se])$`)
	publicTerm     = regexp.MustCompile(`^(\d+)_pub$`)
	dateTerm       = regexp.MustCompile(`^(\d+)_([cm])_([se])$`)
	userTerm       = regexp.MustCompile(`^(\d+)_(cb|mb)$`)
)

// Params is the loosely typed form of a search, as posted by a client. Values are strings,
// numbers, lists, or (for sort_by) objects.
type Params map[string]any

type pair struct {
	name  string
	value string
}

// Encode produces the canonical search key for k
func Encode(k *Key) string {
	terms := k.terms()
	names := make([]string, 0, len(terms))
	for name := range terms {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return termLess(names[i], names[j]) })

	s := strings.Builder{}
	for i, name := range names {
		if i != 0 {
			s.WriteByte('|')
		}
		s.WriteString(name)
		s.WriteByte('=')
		s.WriteString(escapeValue(terms[name]))
	}
	return s.String()
}

// Decode parses and validates a search key
func Decode(searchKey string) (*Key, error) {
	pairs := []pair{}
	for _, token := range splitTerms(searchKey) {
		name, raw, found := strings.Cut(token, "=")
		if !found {
			return nil, invalid(token, "expected name=value")
		}
		value, err := url.PathUnescape(raw)
		if err != nil {
			return nil, invalid(name, "bad escape sequence")
		}
		pairs = append(pairs, pair{name: name, value: value})
	}
	return fromPairs(pairs)
}

func EncodeParams(p Params) (string, error) {
	k, err := FromParams(p)
	if err != nil {
		return "", err
	}
	return Encode(k), nil
}

func DecodeParams(searchKey string) (Params, error) {
	k, err := Decode(searchKey)
	if err != nil {
		return nil, err
	}
	return k.Params(), nil
}

// FromParams validates loosely typed parameters and builds a Key from them
func FromParams(p Params) (*Key, error) {
	pairs := make([]pair, 0, len(p))
	for name, v := range p {
		s, err := paramString(name, v)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair{name: name, value: s})
	}
	sort.Slice(pairs, func(i, j int) bool { return termLess(pairs[i].name, pairs[j].name) })
	return fromPairs(pairs)
}

// Params returns the loosely typed form of k. Every value is a string, except sort_by,
// which is always a list of {sort_df_id, sort_dir} objects.
func (k *Key) Params() Params {
	p := Params{}
	for name, value := range k.terms() {
		p[name] = value
	}
	if len(k.SortBy) != 0 {
		list := []map[string]any{}
		for _, s := range k.SortBy {
			list = append(list, map[string]any{"sort_df_id": s.FieldID, "sort_dir": s.Direction})
		}
		p["sort_by"] = list
	}
	return p
}

func (k *Key) terms() map[string]string {
	t := map[string]string{
		"dt_id": strconv.FormatInt(k.DatatypeID, 10),
	}
	if k.General != "" {
		t["gen"] = k.General
	}
	if k.GeneralLimited != "" {
		t["gen_lim"] = k.GeneralLimited
	}
	for id, v := range k.Fields {
		if v != "" {
			t[strconv.FormatInt(id, 10)] = v
		}
	}
	for id, r := range k.FieldRanges {
		prefix := strconv.FormatInt(id, 10)
		setDate(t, prefix+"_s", r.Start)
		setDate(t, prefix+"_e", r.End)
	}
	for id, m := range k.Metadata {
		prefix := strconv.FormatInt(id, 10)
		if m.Public != nil {
			if *m.Public {
				t[prefix+"_pub"] = "1"
			} else {
				t[prefix+"_pub"] = "0"
			}
		}
		setDate(t, prefix+"_c_s", m.Created.Start)
		setDate(t, prefix+"_c_e", m.Created.End)
		setDate(t, prefix+"_m_s", m.Modified.Start)
		setDate(t, prefix+"_m_e", m.Modified.End)
		if m.CreatedBy != 0 {
			t[prefix+"_cb"] = strconv.FormatInt(m.CreatedBy, 10)
		}
		if m.ModifiedBy != 0 {
			t[prefix+"_mb"] = strconv.FormatInt(m.ModifiedBy, 10)
		}
	}
	if k.MergeOR {
		t["merge"] = "OR"
	}
	if k.Inverse != 0 {
		t["inverse"] = strconv.FormatInt(k.Inverse, 10)
	}
	if len(k.Ignore) != 0 {
		edges := []string{}
		for _, e := range k.Ignore {
			edges = append(edges, fmt.Sprintf("%v_%v", e.Ancestor, e.Descendant))
		}
		t["ignore"] = strings.Join(edges, ",")
	}
	if len(k.SortBy) != 0 {
		raw, _ := json.Marshal(k.SortBy)
		t["sort_by"] = string(raw)
	}
	return t
}

func setDate(t map[string]string, name string, d *time.Time) {
	if d == nil {
		return
	}
	switch {
	case d.Nanosecond() != 0:
		t[name] = d.Format(fractionLayout)
	case d.Hour() == 0 && d.Minute() == 0 && d.Second() == 0:
		t[name] = d.Format(dateLayout)
	default:
		t[name] = d.Format(dateTimeLayout)
	}
}

func fromPairs(pairs []pair) (*Key, error) {
	k := New(0)
	for _, p := range pairs {
		if err := k.set(p.name, p.value); err != nil {
			return nil, err
		}
	}
	if k.DatatypeID == 0 {
		return nil, &Error{Code: CodeMissingDatatype, Term: "dt_id", Reason: "a target datatype is required"}
	}
	for id, m := range k.Metadata {
		if m.IsZero() {
			delete(k.Metadata, id)
		}
	}
	return k, nil
}

func (k *Key) set(name, value string) error {
	switch name {
	case "dt_id":
		id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || id <= 0 {
			return &Error{Code: CodeMissingDatatype, Term: name, Reason: "must be a positive integer"}
		}
		k.DatatypeID = id
		return nil
	case "gen":
		k.General = value
		return nil
	case "gen_lim":
		k.GeneralLimited = value
		return nil
	case "merge":
		switch strings.ToUpper(strings.TrimSpace(value)) {
		case "OR":
			k.MergeOR = true
		case "AND", "":
			k.MergeOR = false
		default:
			return invalid(name, "expected OR or AND")
		}
		return nil
	case "inverse":
		if value == "" {
			return nil
		}
		id, err := parseID(value)
		if err != nil {
			return invalid(name, "expected a datatype id")
		}
		k.Inverse = id
		return nil
	case "ignore":
		return k.setIgnore(value)
	case "sort_by":
		return k.setSortBy(value)
	}

	if value == "" {
		// An empty term is a cleared form input, not a constraint
		return nil
	}

	if m := fieldTerm.FindStringSubmatch(name); m != nil {
		k.Fields[mustID(m[1])] = value
		return nil
	}
	if m := fieldRangeTerm.FindStringSubmatch(name); m != nil {
		d, err := parseDate(value)
		if err != nil {
			return invalid(name, "%v", err)
		}
		id := mustID(m[1])
		r := k.FieldRanges[id]
		if m[2] == "s" {
			r.Start = &d
		} else {
			r.End = &d
		}
		k.FieldRanges[id] = r
		return nil
	}
	if m := publicTerm.FindStringSubmatch(name); m != nil {
		var public bool
		switch strings.TrimSpace(value) {
		case "0":
			public = false
		case "1":
			public = true
		default:
			return invalid(name, "expected 0 or 1")
		}
		k.MetadataFor(mustID(m[1])).Public = &public
		return nil
	}
	if m := dateTerm.FindStringSubmatch(name); m != nil {
		d, err := parseDate(value)
		if err != nil {
			return invalid(name, "%v", err)
		}
		md := k.MetadataFor(mustID(m[1]))
		r := &md.Created
		if m[2] == "m" {
			r = &md.Modified
		}
		if m[3] == "s" {
			r.Start = &d
		} else {
			r.End = &d
		}
		return nil
	}
	if m := userTerm.FindStringSubmatch(name); m != nil {
		user, err := parseID(value)
		if err != nil {
			return invalid(name, "expected a user id")
		}
		md := k.MetadataFor(mustID(m[1]))
		if m[2] == "cb" {
			md.CreatedBy = user
		} else {
			md.ModifiedBy = user
		}
		return nil
	}
	return invalid(name, "unrecognized term")
}

func (k *Key) setIgnore(value string) error {
	k.Ignore = nil
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, d, found := strings.Cut(part, "_")
		ancestor, errA := parseID(a)
		descendant, errD := parseID(d)
		if !found || errA != nil || errD != nil {
			return invalid("ignore", "expected <datatype>_<datatype>, got '%v'", part)
		}
		k.Ignore = append(k.Ignore, Edge{Ancestor: ancestor, Descendant: descendant})
	}
	return nil
}

type rawSortCriterion struct {
	FieldID   json.Number `json:"sort_df_id"`
	Direction string      `json:"sort_dir"`
}

func (k *Key) setSortBy(value string) error {
	value = strings.TrimSpace(value)
	k.SortBy = nil
	if value == "" {
		return nil
	}
	list := []rawSortCriterion{}
	var err error
	if strings.HasPrefix(value, "{") {
		single := rawSortCriterion{}
		err = json.Unmarshal([]byte(value), &single)
		list = append(list, single)
	} else {
		err = json.Unmarshal([]byte(value), &list)
	}
	if err != nil {
		return invalid("sort_by", "expected a list of {sort_df_id, sort_dir}")
	}
	for _, raw := range list {
		id, err := parseID(raw.FieldID.String())
		if err != nil {
			return invalid("sort_by", "sort_df_id must be a datafield id")
		}
		dir := strings.ToLower(strings.TrimSpace(raw.Direction))
		if dir == "" {
			dir = "asc"
		}
		if dir != "asc" && dir != "desc" {
			return invalid("sort_by", "sort_dir must be asc or desc")
		}
		k.SortBy = append(k.SortBy, SortCriterion{FieldID: id, Direction: dir})
	}
	return nil
}

func paramString(name string, v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10), nil
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case []string:
		return strings.Join(x, ","), nil
	}

	if name == "sort_by" {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", invalid(name, "expected a list of {sort_df_id, sort_dir}")
		}
		return string(raw), nil
	}
	if list, ok := v.([]any); ok {
		parts := []string{}
		for _, item := range list {
			s, err := paramString(name, item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	}
	return "", invalid(name, "unsupported value type %T", v)
}

// splitTerms splits on pipes, except a pipe that is doubled or followed by whitespace, which
// belongs to the value it appears in.
func splitTerms(s string) []string {
	terms := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] != '|' {
			continue
		}
		if i > 0 && s[i-1] == '|' {
			continue
		}
		if i+1 < len(s) && (s[i+1] == '|' || isSpace(s[i+1])) {
			continue
		}
		if i > start {
			terms = append(terms, s[start:i])
		}
		start = i + 1
	}
	if start < len(s) {
		terms = append(terms, s[start:])
	}
	return terms
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// escapeValue percent-encodes everything except unreserved characters and ! * ' ( ),
// which are kept so that exact-match and negation syntax stays readable in a URL.
func escapeValue(s string) string {
	const hex = "0123456789ABCDEF"
	b := strings.Builder{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldKeep(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&15])
		}
	}
	return b.String()
}

func shouldKeep(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '~', '!', '*', '\'', '(', ')':
		return true
	}
	return false
}

// termLess orders dt_id first, then numeric terms by id and suffix, then word terms
func termLess(a, b string) bool {
	ra, rb := termRank(a), termRank(b)
	if ra != rb {
		return ra < rb
	}
	if ra == 1 {
		na, sa := splitNumericPrefix(a)
		nb, sb := splitNumericPrefix(b)
		if na != nb {
			return na < nb
		}
		return sa < sb
	}
	return a < b
}

func termRank(name string) int {
	if name == "dt_id" {
		return 0
	}
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		return 1
	}
	return 2
}

func splitNumericPrefix(name string) (int64, string) {
	i := 0
	for i < len(name) && name[i] >= '0' && name[i] <= '9' {
		i++
	}
	n, _ := strconv.ParseInt(name[:i], 10, 64)
	return n, name[i:]
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("id must be positive")
	}
	return id, nil
}

// mustID parses an id that a term pattern has already matched as digits
func mustID(s string) int64 {
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{dateLayout, dateTimeLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("'%v' is not a date", s)
}
