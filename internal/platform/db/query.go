package db

import (
	"fmt"
	"strings"
)

// Query accumulates optional WHERE filters for list endpoints. Clauses use
// "?" as the argument placeholder; it is rewritten to $n in order.
type Query struct {
	from    string
	cols    string
	where   []string
	args    []interface{}
	orderBy string
}

// NewQuery starts a query over from (a table or join expression).
func NewQuery(from, cols string) *Query {
	return &Query{from: from, cols: cols}
}

// Where adds an AND-ed clause.
func (q *Query) Where(clause string, args ...interface{}) *Query {
	var b strings.Builder
	n := 0
	for _, r := range clause {
		if r == '?' && n < len(args) {
			b.WriteString(fmt.Sprintf("$%d", len(q.args)+n+1))
			n++
			continue
		}
		b.WriteRune(r)
	}
	q.where = append(q.where, b.String())
	q.args = append(q.args, args[:n]...)
	return q
}

// WhereIf adds the clause only when cond holds.
func (q *Query) WhereIf(cond bool, clause string, args ...interface{}) *Query {
	if cond {
		q.Where(clause, args...)
	}
	return q
}

func (q *Query) OrderBy(orderBy string) *Query {
	q.orderBy = orderBy
	return q
}

func (q *Query) whereSQL() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

func (q *Query) Args() []interface{} {
	return q.args
}

func (q *Query) CountSQL() string {
	return "SELECT COUNT(*) FROM " + q.from + q.whereSQL()
}

// SQL returns the unpaged select.
func (q *Query) SQL() string {
	sql := "SELECT " + q.cols + " FROM " + q.from + q.whereSQL()
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql
}

// PageSQL appends LIMIT/OFFSET placeholders after the filter arguments.
func (q *Query) PageSQL() string {
	n := len(q.args)
	return q.SQL() + fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2)
}

func (q *Query) PageArgs(limit, offset int) []interface{} {
	out := make([]interface{}, len(q.args), len(q.args)+2)
	copy(out, q.args)
	return append(out, limit, offset)
}
