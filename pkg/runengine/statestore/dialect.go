package statestore

import (
	"fmt"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql" // MySQL / MariaDB driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver ("pgx")
	_ "modernc.org/sqlite"             // Pure Go SQLite driver
)

// Dialect names accepted by Config.Driver.
const (
	DialectSQLite   = "sqlite"
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
)

// dialect captures what differs between the supported databases: the
// database/sql driver name, column types, placeholders and upsert syntax.
type dialect struct {
	name       string
	driver     string
	key        string // type of id columns
	text       string // type of JSON columns
	blob       string // type of binary columns
	serial     string // auto-increment primary key definition
	tableOpts  string
	numbered   bool // $1, $2 placeholders instead of ?
	duplicates bool // ON DUPLICATE KEY UPDATE instead of ON CONFLICT
}

var dialects = map[string]dialect{
	DialectSQLite: {
		name:   DialectSQLite,
		driver: "sqlite",
		key:    "TEXT",
		text:   "TEXT",
		blob:   "BLOB",
		serial: "INTEGER PRIMARY KEY AUTOINCREMENT",
	},
	DialectMySQL: {
		name:       DialectMySQL,
		driver:     "mysql",
		key:        "VARCHAR(255)",
		text:       "LONGTEXT",
		blob:       "LONGBLOB",
		serial:     "BIGINT AUTO_INCREMENT PRIMARY KEY",
		tableOpts:  " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci",
		duplicates: true,
	},
	DialectPostgres: {
		name:     DialectPostgres,
		driver:   "pgx",
		key:      "TEXT",
		text:     "TEXT",
		blob:     "BYTEA",
		serial:   "BIGSERIAL PRIMARY KEY",
		numbered: true,
	},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return dialect{}, fmt.Errorf("%w: %q", ErrUnknownDialect, name)
	}
	return d, nil
}

// schema returns the CREATE statements for every table.
func (d dialect) schema() []string {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id ` + d.key + ` NOT NULL PRIMARY KEY,
			routine_id ` + d.key + ` NOT NULL,
			routine_type ` + d.key + ` NOT NULL,
			state VARCHAR(32) NOT NULL,
			config ` + d.text + ` NOT NULL,
			inputs ` + d.text + ` NOT NULL,
			metadata ` + d.text + ` NOT NULL,
			error_message ` + d.text + ` NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL
		)` + d.tableOpts,
		`CREATE TABLE IF NOT EXISTS step_executions (
			id ` + d.serial + `,
			run_id ` + d.key + ` NOT NULL,
			step_id ` + d.key + ` NOT NULL,
			location ` + d.text + ` NOT NULL,
			branch_id ` + d.key + ` NOT NULL,
			status VARCHAR(32) NOT NULL,
			outputs ` + d.text + ` NOT NULL,
			error_message ` + d.text + ` NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL` + d.stepsIndex() + `
		)` + d.tableOpts,
		`CREATE TABLE IF NOT EXISTS run_contexts (
			run_id ` + d.key + ` NOT NULL PRIMARY KEY,
			data ` + d.blob + ` NOT NULL,
			updated_at BIGINT NOT NULL
		)` + d.tableOpts,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id ` + d.key + ` NOT NULL,
			sequence BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			data ` + d.blob + ` NOT NULL,
			PRIMARY KEY (run_id, sequence)
		)` + d.tableOpts,
	}
	if !d.duplicates {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_step_executions_run_id ON step_executions(run_id)`)
	}
	return stmts
}

// stepsIndex declares the run_id index inline for MySQL, which lacks
// CREATE INDEX IF NOT EXISTS.
func (d dialect) stepsIndex() string {
	if !d.duplicates {
		return ""
	}
	return ",\n\t\t\tINDEX idx_step_executions_run_id (run_id)"
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// upsert returns the clause that turns an INSERT into an insert-or-update
// on the given conflict key.
func (d dialect) upsert(keys []string, cols ...string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		if d.duplicates {
			sets[i] = c + " = VALUES(" + c + ")"
		} else {
			sets[i] = c + " = excluded." + c
		}
	}
	if d.duplicates {
		return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return " ON CONFLICT (" + strings.Join(keys, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
}
