package klines

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"backtestd/internal/market"

	_ "modernc.org/sqlite"
)

// Manifest 记录某个 exchange/symbol@timeframe 文件的统计信息。
type Manifest struct {
	Exchange   string `json:"exchange"`
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

// Series identifies one cached kline file.
type Series struct {
	Exchange  string
	Symbol    string
	Timeframe string
}

func (s Series) key() string {
	return strings.ToLower(s.Exchange) + "/" + strings.ToUpper(s.Symbol) + "@" + strings.ToLower(s.Timeframe)
}

func (s Series) valid() error {
	if s.Exchange == "" || s.Symbol == "" || s.Timeframe == "" {
		return fmt.Errorf("exchange/symbol/timeframe 不能为空")
	}
	return nil
}

// Store keeps one sqlite file per series under root. Prices are stored as decimal text.
type Store struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("data root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

func (s *Store) Path(series Series) string {
	return filepath.Join(s.root, strings.ToLower(series.Exchange), strings.ToUpper(series.Symbol), strings.ToLower(series.Timeframe)+".db")
}

func (s *Store) db(series Series) (*sql.DB, error) {
	if err := series.valid(); err != nil {
		return nil, err
	}
	key := series.key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok {
		return db, nil
	}
	path := s.Path(series)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db, series); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[key] = db
	return db, nil
}

func ensureSchema(db *sql.DB, series Series) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS klines (
			open_time INTEGER PRIMARY KEY,
			close_time INTEGER NOT NULL,
			open TEXT NOT NULL,
			high TEXT NOT NULL,
			low TEXT NOT NULL,
			close TEXT NOT NULL,
			volume TEXT NOT NULL,
			quote_volume TEXT NOT NULL,
			trades INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			min_time INTEGER,
			max_time INTEGER,
			rows INTEGER,
			last_sync_at INTEGER
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO manifest (id, exchange, symbol, timeframe, min_time, max_time, rows, last_sync_at)
		VALUES (1, ?, ?, ?, 0, 0, 0, 0)`, strings.ToLower(series.Exchange), strings.ToUpper(series.Symbol), strings.ToLower(series.Timeframe))
	return err
}

// InsertKlines 批量写入 K 线（重复 open_time 将被覆盖）。
func (s *Store) InsertKlines(ctx context.Context, series Series, klines []market.Kline) (int, error) {
	if len(klines) == 0 {
		return 0, nil
	}
	db, err := s.db(series)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO klines (open_time, close_time, open, high, low, close, volume, quote_volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
		    close_time=excluded.close_time,
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume,
		    quote_volume=excluded.quote_volume,
		    trades=excluded.trades`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	for _, k := range klines {
		if _, err := stmt.ExecContext(ctx, k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteVolume, k.Trades); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := refreshManifest(ctx, db); err != nil {
		return len(klines), err
	}
	return len(klines), nil
}

// OpenTimes 返回指定区间内已有的 open_time。
func (s *Store) OpenTimes(ctx context.Context, series Series, start, end int64) ([]int64, error) {
	db, err := s.db(series)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT open_time FROM klines WHERE open_time BETWEEN ? AND ? ORDER BY open_time`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// RangeKlines returns cached klines with open_time in [start, end], ascending.
func (s *Store) RangeKlines(ctx context.Context, series Series, start, end int64) ([]market.Kline, error) {
	db, err := s.db(series)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT open_time, close_time, open, high, low, close, volume, quote_volume, trades
		FROM klines WHERE open_time BETWEEN ? AND ? ORDER BY open_time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	return scanKlines(rows, series)
}

// LastBefore returns up to limit klines with open_time < ts, ascending.
func (s *Store) LastBefore(ctx context.Context, series Series, ts int64, limit int) ([]market.Kline, error) {
	if limit <= 0 {
		return nil, nil
	}
	db, err := s.db(series)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT open_time, close_time, open, high, low, close, volume, quote_volume, trades
		FROM klines WHERE open_time < ? ORDER BY open_time DESC LIMIT ?`, ts, limit)
	if err != nil {
		return nil, err
	}
	out, err := scanKlines(rows, series)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanKlines(rows *sql.Rows, series Series) ([]market.Kline, error) {
	defer rows.Close()
	var out []market.Kline
	for rows.Next() {
		k := market.Kline{
			Exchange:  strings.ToLower(series.Exchange),
			Symbol:    strings.ToUpper(series.Symbol),
			Timeframe: strings.ToLower(series.Timeframe),
		}
		if err := rows.Scan(&k.OpenTime, &k.CloseTime, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume, &k.QuoteVolume, &k.Trades); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// CheckIntegrity compares the cached grid slots in [start, end] against the expected ones.
func (s *Store) CheckIntegrity(ctx context.Context, series Series, tf market.Timeframe, start, end int64) (IntegrityReport, error) {
	start, end = tf.AlignRange(start, end)
	present, err := s.OpenTimes(ctx, series, start, end)
	if err != nil {
		return IntegrityReport{}, err
	}
	return buildReport(tf, start, end, present), nil
}

func (s *Store) Manifest(ctx context.Context, series Series) (Manifest, error) {
	db, err := s.db(series)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{Path: s.Path(series)}
	row := db.QueryRowContext(ctx, `SELECT exchange, symbol, timeframe, min_time, max_time, rows, last_sync_at FROM manifest WHERE id = 1`)
	if err := row.Scan(&m.Exchange, &m.Symbol, &m.Timeframe, &m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func refreshManifest(ctx context.Context, db *sql.DB) error {
	var minTime, maxTime sql.NullInt64
	var rows int64
	if err := db.QueryRowContext(ctx, `SELECT MIN(open_time), MAX(open_time), COUNT(1) FROM klines`).Scan(&minTime, &maxTime, &rows); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `UPDATE manifest SET min_time = ?, max_time = ?, rows = ?, last_sync_at = ? WHERE id = 1`,
		minTime.Int64, maxTime.Int64, rows, time.Now().UnixMilli())
	return err
}
