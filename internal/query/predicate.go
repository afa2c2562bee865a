package query

import (
	"fmt"
	"strconv"
	"strings"

	"constituency-export/internal/voters"
)

// predicate renders itself as SQL for database sources and evaluates records
// for in-memory ones. Both forms must agree.
type predicate interface {
	sql(b *sqlBuilder) string
	match(rec voters.Record) bool
}

type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

type inList struct {
	key, col string
	values   []string
	set      map[string]struct{}
}

func newInList(key, col string, values []string) *inList {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return &inList{key: key, col: col, values: values, set: set}
}

func (p *inList) sql(b *sqlBuilder) string {
	return fmt.Sprintf("%s = ANY(%s)", p.col, b.arg(p.values))
}

func (p *inList) match(rec voters.Record) bool {
	s, ok := asString(rec[p.key])
	if !ok {
		return false
	}
	_, hit := p.set[s]
	return hit
}

type equals struct {
	key, col string
	value    any
	fold     bool
}

func (p *equals) sql(b *sqlBuilder) string {
	if p.fold {
		return fmt.Sprintf("lower(%s) = lower(%s)", p.col, b.arg(p.value))
	}
	return fmt.Sprintf("%s = %s", p.col, b.arg(p.value))
}

func (p *equals) match(rec voters.Record) bool {
	v := rec[p.key]
	if v == nil {
		return false
	}
	switch want := p.value.(type) {
	case bool:
		got, ok := v.(bool)
		return ok && got == want
	case string:
		got, ok := asString(v)
		if !ok {
			return false
		}
		if p.fold {
			return strings.EqualFold(got, want)
		}
		return got == want
	}
	return false
}

type intRange struct {
	key, col string
	min, max *int
}

func (p *intRange) sql(b *sqlBuilder) string {
	var parts []string
	if p.min != nil {
		parts = append(parts, fmt.Sprintf("%s >= %s", p.col, b.arg(*p.min)))
	}
	if p.max != nil {
		parts = append(parts, fmt.Sprintf("%s <= %s", p.col, b.arg(*p.max)))
	}
	return strings.Join(parts, " AND ")
}

func (p *intRange) match(rec voters.Record) bool {
	n, ok := asInt(rec[p.key])
	if !ok {
		return false
	}
	if p.min != nil && n < *p.min {
		return false
	}
	if p.max != nil && n > *p.max {
		return false
	}
	return true
}

// blankChars is what counts as blank on both sides; the SQL literal below
// must list the same characters.
const blankChars = " \t\r\n"

// present checks for a non-blank value.
type present struct {
	key, col string
	want     bool
}

func (p *present) sql(_ *sqlBuilder) string {
	if p.want {
		return fmt.Sprintf("(%s IS NOT NULL AND btrim(%s, E' \\t\\r\\n') <> '')", p.col, p.col)
	}
	return fmt.Sprintf("(%s IS NULL OR btrim(%s, E' \\t\\r\\n') = '')", p.col, p.col)
}

func (p *present) match(rec voters.Record) bool {
	s, _ := asString(rec[p.key])
	return (strings.Trim(s, blankChars) != "") == p.want
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case nil:
		return "", false
	default:
		return fmt.Sprint(t), true
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int16:
		return int(t), true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
