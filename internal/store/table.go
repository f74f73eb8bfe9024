package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mossy-p/skillshare-signaling/internal/models"
)

var safeIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(s string) bool {
	return len(s) > 0 && len(s) <= 64 && safeIdentRe.MatchString(s)
}

// Row is one table row keyed by column name.
type Row map[string]any

// Cond is a single column = value test. A nil Value tests IS NULL.
type Cond struct {
	Column string
	Value  any
}

// C builds a Cond.
func C(column string, value any) Cond { return Cond{Column: column, Value: value} }

// Pred is a conjunction of equality tests plus zero or more OR groups.
type Pred struct {
	all []Cond
	any [][]Cond
}

// Eq starts a predicate with column = value.
func Eq(column string, value any) Pred {
	return Pred{all: []Cond{C(column, value)}}
}

// And adds column = value to the conjunction.
func (p Pred) And(column string, value any) Pred {
	p.all = append(append([]Cond(nil), p.all...), C(column, value))
	return p
}

// Or adds a group that holds when any of conds holds.
func (p Pred) Or(conds ...Cond) Pred {
	p.any = append(append([][]Cond(nil), p.any...), conds)
	return p
}

func (p Pred) sql() (string, []any, error) {
	var (
		parts []string
		args  []any
	)
	term := func(c Cond) (string, error) {
		if !validIdent(c.Column) {
			return "", fmt.Errorf("invalid column name: %s", c.Column)
		}
		if c.Value == nil {
			return c.Column + " IS NULL", nil
		}
		args = append(args, c.Value)
		return c.Column + " = ?", nil
	}

	for _, c := range p.all {
		s, err := term(c)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, s)
	}
	for _, group := range p.any {
		var ors []string
		for _, c := range group {
			s, err := term(c)
			if err != nil {
				return "", nil, err
			}
			ors = append(ors, s)
		}
		if len(ors) > 0 {
			parts = append(parts, "("+strings.Join(ors, " OR ")+")")
		}
	}
	if len(parts) == 0 {
		return "1 = 1", nil, nil
	}
	return strings.Join(parts, " AND "), args, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Tables is the generic table API. It runs against the database or a
// transaction depending on where it came from.
type Tables struct {
	q querier
}

// Insert adds row to table and returns the stored row.
func (t Tables) Insert(ctx context.Context, table string, row Row) (Row, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid table name: %s", table)
	}
	cols := sortedColumns(row)
	if len(cols) == 0 {
		return nil, fmt.Errorf("insert into %s: empty row", table)
	}
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		if !validIdent(c) {
			return nil, fmt.Errorf("invalid column name: %s", c)
		}
		placeholders[i] = "?"
		args[i] = row[c]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert into %s: no row returned", table)
	}
	return rows[0], nil
}

// DeleteWhere removes the matching rows and reports how many went.
func (t Tables) DeleteWhere(ctx context.Context, table string, p Pred) (int64, error) {
	if !validIdent(table) {
		return 0, fmt.Errorf("invalid table name: %s", table)
	}
	where, args, err := p.sql()
	if err != nil {
		return 0, err
	}
	res, err := t.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpdateWhere applies patch to the matching rows and returns them as stored.
func (t Tables) UpdateWhere(ctx context.Context, table string, p Pred, patch Row) ([]Row, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid table name: %s", table)
	}
	cols := sortedColumns(patch)
	if len(cols) == 0 {
		return nil, fmt.Errorf("update %s: empty patch", table)
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		if !validIdent(c) {
			return nil, fmt.Errorf("invalid column name: %s", c)
		}
		sets[i] = c + " = ?"
		args = append(args, patch[c])
	}
	where, whereArgs, err := p.sql()
	if err != nil {
		return nil, err
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING *", table, strings.Join(sets, ", "), where)
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	return rows, nil
}

// SelectOne returns the first matching row or models.ErrNotFound.
func (t Tables) SelectOne(ctx context.Context, table string, p Pred) (Row, error) {
	rows, err := t.SelectMany(ctx, table, p, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, models.ErrNotFound
	}
	return rows[0], nil
}

// SelectMany returns up to limit matching rows in insertion order. A limit
// of zero or less means no limit.
func (t Tables) SelectMany(ctx context.Context, table string, p Pred, limit int) ([]Row, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid table name: %s", table)
	}
	where, args, err := p.sql()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY rowid", table, where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	return rows, nil
}

// query reads every result row before returning so the single connection is
// free again for the next statement.
func (t Tables) query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []Row
	for rows.Next() {
		values := make([]any, len(colNames))
		valuePtrs := make([]any, len(colNames))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(colNames))
		for i, col := range colNames {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
