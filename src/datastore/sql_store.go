package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nhirsama/picolog/src/inter"
	_ "modernc.org/sqlite"
)

// 支持的 SQL 驱动
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore 将采样镜像写入 SQL 数据库。
// 每个采样一行 (device, ts_ns, value)，ts_ns 为 Unix 纳秒。
type SQLStore struct {
	db       *sql.DB
	device   string
	postgres bool
}

var _ inter.SampleSink = (*SQLStore)(nil)

// OpenSQLStore 打开数据库并初始化表结构。driver 为 sqlite 或 postgres，
// device 标识写入的设备 (通常为 board id)。
func OpenSQLStore(driver, dsn, device string) (*SQLStore, error) {
	var driverName string
	switch driver {
	case DriverSQLite:
		driverName = "sqlite"
	case DriverPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// sqlite 只允许一个写连接
		db.SetMaxOpenConns(1)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS samples (
			device TEXT NOT NULL,
			ts_ns  BIGINT NOT NULL,
			value  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_query ON samples (device, ts_ns)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialising schema: %w", err)
		}
	}

	return &SQLStore{db: db, device: device, postgres: driver == DriverPostgres}, nil
}

// rebind 将 ? 占位符改写为 postgres 的 $n 形式
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// WriteBatch 在一个事务中批量写入
func (s *SQLStore) WriteBatch(ctx context.Context, batch inter.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind("INSERT INTO samples (device, ts_ns, value) VALUES (?, ?, ?)"))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sample := range batch.Samples {
		if _, err := stmt.ExecContext(ctx, s.device, sample.Timestamp.UnixNano(), int64(sample.Value)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LastTimestamp 返回该设备最近一个采样的时间，没有采样时 ok 为 false
func (s *SQLStore) LastTimestamp(ctx context.Context) (ts time.Time, ok bool, err error) {
	var last sql.NullInt64
	err = s.db.QueryRowContext(ctx, s.rebind("SELECT MAX(ts_ns) FROM samples WHERE device = ?"), s.device).Scan(&last)
	if err != nil {
		return time.Time{}, false, err
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, last.Int64), true, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
