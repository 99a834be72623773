package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

// 单条 INSERT 的行数，控制 SQL 变量数量。
const mergeChunk = 200

// SQLiteStore 是基于 modernc sqlite 的 CandleStore 实现。
type SQLiteStore struct {
	db    *sql.DB
	locks *keyLocks
}

var _ CandleStore = (*SQLiteStore)(nil)

func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("candle store 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "store.open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, errkind.Wrap(errkind.StorageUnavailable, "store.schema", err)
	}
	return &SQLiteStore{db: db, locks: newKeyLocks(defaultShardCount)}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			engine TEXT NOT NULL,
			market TEXT NOT NULL,
			code TEXT NOT NULL,
			interval_code INTEGER NOT NULL,
			begin_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			open TEXT NOT NULL,
			high TEXT NOT NULL,
			low TEXT NOT NULL,
			close TEXT NOT NULL,
			volume TEXT NOT NULL,
			PRIMARY KEY (engine, market, code, interval_code, begin_ts)
		)`,
		`CREATE TABLE IF NOT EXISTS series (
			engine TEXT NOT NULL,
			market TEXT NOT NULL,
			code TEXT NOT NULL,
			interval_code INTEGER NOT NULL,
			first_begin INTEGER NOT NULL,
			last_begin INTEGER NOT NULL,
			row_count INTEGER NOT NULL,
			last_merged_at INTEGER NOT NULL,
			PRIMARY KEY (engine, market, code, interval_code)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func seriesWhere(key market.SeriesKey) sq.Eq {
	return sq.Eq{
		"engine":        key.Instrument.Engine,
		"market":        key.Instrument.Market,
		"code":          key.Instrument.Code,
		"interval_code": key.Interval.Code(),
	}
}

// Merge 在一个事务里 upsert 整批K线并刷新序列元数据。
func (s *SQLiteStore) Merge(ctx context.Context, key market.SeriesKey, candles []market.Candle, mergedAt time.Time) (int, error) {
	if err := key.Instrument.Validate(); err != nil {
		return 0, errkind.Wrap(errkind.InvalidArgument, "store.merge", err)
	}
	if len(candles) == 0 {
		return 0, nil
	}
	unlock := s.locks.lock(key.String())
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageUnavailable, "store.merge", err)
	}
	rollback := func(err error) (int, error) {
		_ = tx.Rollback()
		return 0, errkind.Wrap(errkind.StorageUnavailable, "store.merge", err)
	}

	ref := key.Instrument
	for start := 0; start < len(candles); start += mergeChunk {
		end := start + mergeChunk
		if end > len(candles) {
			end = len(candles)
		}
		ins := sq.Insert("candles").
			Columns("engine", "market", "code", "interval_code", "begin_ts", "end_ts", "open", "high", "low", "close", "volume")
		for _, c := range candles[start:end] {
			ins = ins.Values(ref.Engine, ref.Market, ref.Code, key.Interval.Code(),
				c.Begin.UnixMilli(), c.EndOr(key.Interval).UnixMilli(),
				c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String())
		}
		query, args, err := ins.Suffix(`ON CONFLICT(engine, market, code, interval_code, begin_ts) DO UPDATE SET
			end_ts=excluded.end_ts,
			open=excluded.open,
			high=excluded.high,
			low=excluded.low,
			close=excluded.close,
			volume=excluded.volume`).ToSql()
		if err != nil {
			return rollback(err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return rollback(err)
		}
	}

	query, args, err := sq.Select("MIN(begin_ts)", "MAX(begin_ts)", "COUNT(*)").
		From("candles").Where(seriesWhere(key)).ToSql()
	if err != nil {
		return rollback(err)
	}
	var first, last, rows int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&first, &last, &rows); err != nil {
		return rollback(err)
	}
	query, args, err = sq.Insert("series").
		Columns("engine", "market", "code", "interval_code", "first_begin", "last_begin", "row_count", "last_merged_at").
		Values(ref.Engine, ref.Market, ref.Code, key.Interval.Code(), first, last, rows, mergedAt.UnixMilli()).
		Suffix(`ON CONFLICT(engine, market, code, interval_code) DO UPDATE SET
			first_begin=excluded.first_begin,
			last_begin=excluded.last_begin,
			row_count=excluded.row_count,
			last_merged_at=excluded.last_merged_at`).ToSql()
	if err != nil {
		return rollback(err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return rollback(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errkind.Wrap(errkind.StorageUnavailable, "store.merge", err)
	}
	return len(candles), nil
}

func (s *SQLiteStore) Range(ctx context.Context, key market.SeriesKey, from, to time.Time) ([]market.Candle, error) {
	qb := sq.Select("begin_ts", "end_ts", "open", "high", "low", "close", "volume").
		From("candles").
		Where(seriesWhere(key)).
		OrderBy("begin_ts ASC")
	if !from.IsZero() {
		qb = qb.Where(sq.GtOrEq{"begin_ts": from.UnixMilli()})
	}
	if !to.IsZero() {
		qb = qb.Where(sq.LtOrEq{"begin_ts": to.UnixMilli()})
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "store.range", err)
	}
	defer rows.Close()
	var out []market.Candle
	for rows.Next() {
		var (
			begin, end int64
			c          market.Candle
		)
		if err := rows.Scan(&begin, &end, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, errkind.Wrap(errkind.StorageUnavailable, "store.range", err)
		}
		c.Begin = time.UnixMilli(begin).UTC()
		c.End = time.UnixMilli(end).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "store.range", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListSeries(ctx context.Context) ([]SeriesInfo, error) {
	query, args, err := seriesSelect().
		OrderBy("engine", "market", "code", "interval_code").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "store.list_series", err)
	}
	defer rows.Close()
	var out []SeriesInfo
	for rows.Next() {
		info, err := scanSeries(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.StorageUnavailable, "store.list_series", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "store.list_series", err)
	}
	return out, nil
}

func (s *SQLiteStore) Series(ctx context.Context, key market.SeriesKey) (SeriesInfo, bool, error) {
	query, args, err := seriesSelect().Where(seriesWhere(key)).ToSql()
	if err != nil {
		return SeriesInfo{}, false, err
	}
	info, err := scanSeries(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return SeriesInfo{}, false, nil
	}
	if err != nil {
		return SeriesInfo{}, false, errkind.Wrap(errkind.StorageUnavailable, "store.series", err)
	}
	return info, true, nil
}

// DeleteSeries 删除整条序列及其元数据。
func (s *SQLiteStore) DeleteSeries(ctx context.Context, key market.SeriesKey) error {
	unlock := s.locks.lock(key.String())
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "store.delete_series", err)
	}
	for _, table := range []string{"candles", "series"} {
		query, args, err := sq.Delete(table).Where(seriesWhere(key)).ToSql()
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return errkind.Wrap(errkind.StorageUnavailable, "store.delete_series", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "store.delete_series", err)
	}
	return nil
}

func seriesSelect() sq.SelectBuilder {
	return sq.Select("engine", "market", "code", "interval_code", "first_begin", "last_begin", "row_count", "last_merged_at").
		From("series")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSeries(row rowScanner) (SeriesInfo, error) {
	var (
		info                      SeriesInfo
		code                      int
		first, last, merged, rows int64
	)
	ref := &info.Key.Instrument
	if err := row.Scan(&ref.Engine, &ref.Market, &ref.Code, &code, &first, &last, &rows, &merged); err != nil {
		return SeriesInfo{}, err
	}
	info.Key.Interval = market.Interval(code)
	info.FirstBegin = time.UnixMilli(first).UTC()
	info.LastBegin = time.UnixMilli(last).UTC()
	info.Rows = rows
	info.LastMergedAt = time.UnixMilli(merged).UTC()
	return info, nil
}
