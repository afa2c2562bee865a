package query

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"constituency-export/internal/voters"
)

// Attribute keys the predicates target in the column registry.
const (
	attrArea     = "area_code"
	attrWard     = "ward_code"
	attrGender   = "gender"
	attrAge      = "age"
	attrMobile   = "mobile"
	attrReligion = "religion"
	attrVoted    = "voted"
)

// Plan is a compiled export query: the AND of all predicates, projected onto
// an ordered column manifest.
type Plan struct {
	// Filters is the normalized filter specification.
	Filters FilterSpec
	// Selected is the client's column selection with unknown keys and
	// duplicates removed. Empty means every registry column.
	Selected []string

	columns []voters.Column
	preds   []predicate
	orderBy []string
}

// Compile validates spec and resolves selected against the registry.
func Compile(spec FilterSpec, selected []string, reg *voters.Registry) (*Plan, error) {
	norm, err := spec.Normalize()
	if err != nil {
		return nil, err
	}

	p := &Plan{Filters: norm}
	p.Selected, p.columns = resolveColumns(selected, reg)
	for _, k := range reg.SortKeys() {
		c, _ := reg.Lookup(k)
		p.orderBy = append(p.orderBy, quote(c.Column))
	}

	var errs fieldErrors
	attr := func(field, key string) (string, bool) {
		c, ok := reg.Lookup(key)
		if !ok {
			errs.add(field, "filter is not supported by the column registry")
			return "", false
		}
		return quote(c.Column), true
	}

	if len(norm.AreaCodes) > 0 {
		if col, ok := attr("areaCodes", attrArea); ok {
			p.preds = append(p.preds, newInList(attrArea, col, norm.AreaCodes))
		}
	}
	if len(norm.WardCodes) > 0 {
		if col, ok := attr("wardCodes", attrWard); ok {
			p.preds = append(p.preds, newInList(attrWard, col, norm.WardCodes))
		}
	}
	if norm.Gender != nil {
		if col, ok := attr("gender", attrGender); ok {
			p.preds = append(p.preds, &equals{key: attrGender, col: col, value: *norm.Gender})
		}
	}
	if norm.MinAge != nil || norm.MaxAge != nil {
		if col, ok := attr("minAge", attrAge); ok {
			p.preds = append(p.preds, &intRange{key: attrAge, col: col, min: norm.MinAge, max: norm.MaxAge})
		}
	}
	if norm.HasPhone != nil {
		if col, ok := attr("hasPhone", attrMobile); ok {
			p.preds = append(p.preds, &present{key: attrMobile, col: col, want: *norm.HasPhone})
		}
	}
	if norm.Religion != nil {
		if col, ok := attr("religion", attrReligion); ok {
			p.preds = append(p.preds, &equals{key: attrReligion, col: col, value: *norm.Religion, fold: true})
		}
	}
	if norm.VotedFlag != nil {
		if col, ok := attr("votedFlag", attrVoted); ok {
			p.preds = append(p.preds, &equals{key: attrVoted, col: col, value: *norm.VotedFlag})
		}
	}
	if err := errs.err(); err != nil {
		return nil, err
	}
	return p, nil
}

func resolveColumns(selected []string, reg *voters.Registry) ([]string, []voters.Column) {
	seen := make(map[string]struct{}, len(selected))
	keys := make([]string, 0, len(selected))
	cols := make([]voters.Column, 0, len(selected))
	for _, k := range selected {
		k = strings.TrimSpace(k)
		c, ok := reg.Lookup(k)
		if !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
		cols = append(cols, c)
	}
	if len(cols) == 0 {
		return []string{}, reg.Columns()
	}
	return keys, cols
}

func quote(col string) string {
	return pgx.Identifier{col}.Sanitize()
}

// Columns is the column manifest in output order.
func (p *Plan) Columns() []voters.Column {
	out := make([]voters.Column, len(p.columns))
	copy(out, p.columns)
	return out
}

func (p *Plan) where(b *sqlBuilder) string {
	if len(p.preds) == 0 {
		return ""
	}
	parts := make([]string, len(p.preds))
	for i, pr := range p.preds {
		parts[i] = pr.sql(b)
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

// SelectSQL renders the streaming query. table must already be quoted.
func (p *Plan) SelectSQL(table string) (string, []any) {
	var b sqlBuilder
	cols := make([]string, len(p.columns))
	for i, c := range p.columns {
		cols[i] = quote(c.Column)
	}
	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s",
		strings.Join(cols, ", "), table, p.where(&b), strings.Join(p.orderBy, ", "))
	return sql, b.args
}

// CountSQL renders the pre-count query. table must already be quoted.
func (p *Plan) CountSQL(table string) (string, []any) {
	var b sqlBuilder
	return "SELECT COUNT(*) FROM " + table + p.where(&b), b.args
}

// Match reports whether rec satisfies every predicate.
func (p *Plan) Match(rec voters.Record) bool {
	for _, pr := range p.preds {
		if !pr.match(rec) {
			return false
		}
	}
	return true
}
