package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"ladder/internal/logger"
)

// EventLog 是追加型事件流水：下单、熔断、运维动作都会落一条，
// 用于事后排查。写失败只告警不阻断主流程。
type EventLog struct {
	mu sync.Mutex
	db *sql.DB
}

// EventRecord is one row of the forensic trail.
type EventRecord struct {
	ID     int64  `json:"id"`
	Symbol string `json:"symbol"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
	At     int64  `json:"at"` // unix seconds
}

func NewEventLog(path string) (*EventLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("event log: 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL,
		at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_symbol_at ON events(symbol, at)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &EventLog{db: db}, nil
}

func (l *EventLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append never fails the caller; the trail is best effort.
func (l *EventLog) Append(ctx context.Context, symbol, kind, detail string) {
	if l == nil || l.db == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events(symbol, kind, detail, at) VALUES (?, ?, ?, ?)`,
		strings.ToUpper(strings.TrimSpace(symbol)), kind, detail, time.Now().Unix())
	if err != nil {
		logger.Warnf("event log append failed (%s/%s): %v", symbol, kind, err)
	}
}

// Recent returns the newest events for one symbol, newest first.
func (l *EventLog) Recent(ctx context.Context, symbol string, limit int) ([]EventRecord, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("event log 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, symbol, kind, detail, at FROM events WHERE symbol = ? ORDER BY at DESC, id DESC LIMIT ?`,
		strings.ToUpper(strings.TrimSpace(symbol)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.ID, &rec.Symbol, &rec.Kind, &rec.Detail, &rec.At); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
