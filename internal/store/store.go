package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"ladder/internal/engine"
)

// stateModel 每只标的一行，整棵状态树作为 JSON 存在 state_json 里。
// 列出来的字段只是查询/巡检用的冗余投影。
type stateModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Symbol        string         `gorm:"column:symbol;uniqueIndex"`
	Version       int64          `gorm:"column:version"`
	Lifecycle     string         `gorm:"column:lifecycle"`
	RiskBreak     int            `gorm:"column:risk_break"`
	StateJSON     datatypes.JSON `gorm:"column:state_json;type:TEXT"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (stateModel) TableName() string { return "instrument_states" }

// Store 持久化每只标的的全量状态树，进程重启后从这里恢复。
type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: 数据库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	// DriverName selects the pure-Go modernc.org/sqlite driver registered by
	// eventlog.go; the default "sqlite3" driver needs cgo and the _pragma DSN
	// syntax above is modernc's.
	db, err := gorm.Open(&sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&stateModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		// SQLite + WAL: 留一点并发空间给 HTTP 读
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveState upserts the full tree keyed by symbol.
func (s *Store) SaveState(ctx context.Context, st *engine.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store 未初始化")
	}
	if st == nil || strings.TrimSpace(st.Symbol) == "" {
		return fmt.Errorf("store: state requires a symbol")
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("store: marshal state %s: %w", st.Symbol, err)
	}
	risk := 0
	if st.RiskControlBreak {
		risk = 1
	}
	model := stateModel{
		Symbol:        strings.ToUpper(strings.TrimSpace(st.Symbol)),
		Version:       st.Version,
		Lifecycle:     string(st.Current),
		RiskBreak:     risk,
		StateJSON:     datatypes.JSON(payload),
		UpdatedAtUnix: time.Now().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "symbol"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"version", "lifecycle", "risk_break", "state_json", "updated_at",
			}),
		}).
		Create(&model).Error
}

// LoadState returns the persisted tree, ok=false when the symbol is new.
func (s *Store) LoadState(ctx context.Context, symbol string) (*engine.State, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("store 未初始化")
	}
	var model stateModel
	err := s.db.WithContext(ctx).
		Where("symbol = ?", strings.ToUpper(strings.TrimSpace(symbol))).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var st engine.State
	if err := json.Unmarshal(model.StateJSON, &st); err != nil {
		return nil, false, fmt.Errorf("store: unmarshal state %s: %w", symbol, err)
	}
	return &st, true, nil
}

// ListSymbols returns every persisted instrument, for the HTTP index.
func (s *Store) ListSymbols(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store 未初始化")
	}
	var symbols []string
	if err := s.db.WithContext(ctx).Model(&stateModel{}).
		Order("symbol ASC").
		Pluck("symbol", &symbols).Error; err != nil {
		return nil, err
	}
	return symbols, nil
}
