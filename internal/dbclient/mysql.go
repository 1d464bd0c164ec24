package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"tripload/internal/domain"
	"tripload/internal/etl"
)

// buildMySQLDSN constructs a MySQL DSN from a DatabaseConnection.
func buildMySQLDSN(conn *domain.DatabaseConnection, password string) string {
	port := conn.Port
	if port == 0 {
		port = DefaultPort(domain.DatabaseDriverMySQL)
	}
	// Format: user:password@tcp(host:port)/dbname?parseTime=true
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&charset=utf8mb4",
		conn.Username, password, net.JoinHostPort(conn.Host, strconv.Itoa(port)), conn.Database,
	)
	if conn.SSLMode == "require" {
		dsn += "&tls=true"
	}
	keys := make([]string, 0, len(conn.Params))
	for k := range conn.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dsn += "&" + k + "=" + url.QueryEscape(conn.Params[k])
	}
	return dsn
}

// mysqlMaxPlaceholders is the server's prepared-statement parameter limit.
const mysqlMaxPlaceholders = 65535

// mysqlDialect replaces tables through a staging table and an atomic
// RENAME TABLE, since MySQL DDL commits implicitly.
type mysqlDialect struct{}

func (mysqlDialect) quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (mysqlDialect) columnType(t domain.SemanticType) string {
	switch t {
	case domain.TypeInt64Nullable:
		return "BIGINT"
	case domain.TypeFloat64:
		return "DOUBLE"
	case domain.TypeTimestamp:
		return "DATETIME(6)"
	default:
		return "TEXT"
	}
}

func (d mysqlDialect) replaceTable(ctx context.Context, db *sql.DB, target domain.SinkTarget, create func(string) string) error {
	staging := domain.SinkTarget{Namespace: target.Namespace, Table: target.Table + "__tripload_new"}
	old := domain.SinkTarget{Namespace: target.Namespace, Table: target.Table + "__tripload_old"}
	name := qualified(d, target)

	for _, q := range []string{
		"DROP TABLE IF EXISTS " + qualified(d, staging),
		"DROP TABLE IF EXISTS " + qualified(d, old),
		create(qualified(d, staging)),
	} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return errors.Wrapf(err, "exec %q", q)
		}
	}

	exists, err := d.exists(ctx, db, target)
	if err != nil {
		return err
	}
	if !exists {
		_, err := db.ExecContext(ctx, "RENAME TABLE "+qualified(d, staging)+" TO "+name)
		return err
	}
	// Both renames happen in one atomic statement.
	swap := "RENAME TABLE " + name + " TO " + qualified(d, old) + ", " + qualified(d, staging) + " TO " + name
	if _, err := db.ExecContext(ctx, swap); err != nil {
		return errors.Wrap(err, "swap tables")
	}
	_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+qualified(d, old))
	return err
}

func (mysqlDialect) exists(ctx context.Context, db *sql.DB, target domain.SinkTarget) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ?`,
		target.Namespace, target.Table).Scan(&n)
	return n > 0, err
}

// insertRows sends multi-row INSERTs sized under the placeholder limit.
func (d mysqlDialect) insertRows(ctx context.Context, tx *sql.Tx, target domain.SinkTarget, batch *etl.TypedBatch) (int64, error) {
	cols := batch.ColumnNames()
	per := mysqlMaxPlaceholders / len(cols)
	if per > 1000 {
		per = 1000
	}
	var written int64
	for start := 0; start < batch.Len(); start += per {
		end := min(start+per, batch.Len())
		rows := batch.Rows[start:end]
		args := make([]any, 0, len(rows)*len(cols))
		for _, r := range rows {
			args = append(args, r...)
		}
		res, err := tx.ExecContext(ctx, insertSQL(d, target, cols, len(rows), questionMark), args...)
		if err != nil {
			return 0, errors.Wrapf(err, "rows %d-%d", batch.RowNum(start), batch.RowNum(end-1))
		}
		n, _ := res.RowsAffected()
		written += n
	}
	return written, nil
}

func (mysqlDialect) describe(ctx context.Context, db *sql.DB, target domain.SinkTarget) ([]ColumnInfo, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name, column_type FROM information_schema.columns
		 WHERE table_schema = COALESCE(NULLIF(?, ''), DATABASE()) AND table_name = ?
		 ORDER BY ordinal_position`,
		target.Namespace, target.Table)
	if err != nil {
		return nil, err
	}
	return scanColumns(rows)
}
