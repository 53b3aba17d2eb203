// Package db persists periodic snapshots of the in-memory accounting state to MySQL via GORM,
// adapted from ChoSanghyuk-blackholedex/internal/db's AssetSnapshotRecord/MySQLRecorder pair.
// The in-memory store (internal/store) remains authoritative; this package exists purely for
// operational recovery and audit — restarting the engine replays positions from here, it does
// not read through to MySQL on the hot path.
package db

import (
	"fmt"
	"math/big"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PositionRecord is the durable form of internal/store.Position.
type PositionRecord struct {
	ID               uint64    `gorm:"primaryKey"`
	Owner            string    `gorm:"type:varchar(42);not null;index"`
	FromToken        string    `gorm:"type:varchar(42);not null;index:idx_triple"`
	ToToken          string    `gorm:"type:varchar(42);not null;index:idx_triple"`
	Mask             uint8     `gorm:"not null;index:idx_triple"`
	Rate             string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	Residual         string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	StartingSwap     uint64    `gorm:"not null"`
	FinalSwap        uint64    `gorm:"not null"`
	LastUpdatedSwap  uint64    `gorm:"not null"`
	Terminated       bool      `gorm:"not null;default:false"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (PositionRecord) TableName() string { return "positions" }

// TripleSnapshotRecord is a point-in-time durable snapshot of one (from, to, mask) triple's
// accounting state (internal/store.TripleState), taken after each swap registration. It stores
// the full Delta/Accum series and the pair's active mask A[from,to] — not just a point scalar —
// so a restart can fully reconstruct S[T] rather than only its latest accumulated ratio.
type TripleSnapshotRecord struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp        time.Time `gorm:"index;not null"`
	FromToken        string    `gorm:"type:varchar(42);not null;index:idx_triple_snap"`
	ToToken          string    `gorm:"type:varchar(42);not null;index:idx_triple_snap"`
	Mask             uint8     `gorm:"not null;index:idx_triple_snap"`
	ActiveMask       uint8     `gorm:"not null;comment:A[from,to] at snapshot time"`
	PerformedSwaps   uint64    `gorm:"not null"`
	NextAmount       string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	NextToNextAmount string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	LastSwappedAt    uint64    `gorm:"not null"`
	DeltaJSON        string    `gorm:"type:text;not null;comment:swap_number->big.Int string, JSON-encoded"`
	AccumJSON        string    `gorm:"type:text;not null;comment:swap_number->big.Int string, JSON-encoded"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (TripleSnapshotRecord) TableName() string { return "triple_snapshots" }

// Recorder is the durable-persistence collaborator: the engine calls RecordPosition after every
// position mutation and RecordTripleSnapshot after every swap registration.
type Recorder interface {
	RecordPosition(p PositionRecord) error
	RecordTripleSnapshot(s TripleSnapshotRecord) error
	LatestTripleSnapshot(from, to string, mask uint8) (*TripleSnapshotRecord, error)
	LoadOpenPositions() ([]PositionRecord, error)
	Close() error
}

// MySQLRecorder implements Recorder using GORM and MySQL.
type MySQLRecorder struct {
	db *gorm.DB
}

// NewMySQLRecorder opens dsn ("user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local")
// and migrates the schema.
func NewMySQLRecorder(dsn string) (*MySQLRecorder, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	if err := gdb.AutoMigrate(&PositionRecord{}, &TripleSnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &MySQLRecorder{db: gdb}, nil
}

// NewMySQLRecorderWithDB wraps an existing GORM DB instance, migrating the schema.
func NewMySQLRecorderWithDB(gdb *gorm.DB) (*MySQLRecorder, error) {
	if err := gdb.AutoMigrate(&PositionRecord{}, &TripleSnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &MySQLRecorder{db: gdb}, nil
}

// RecordPosition upserts a position's durable row.
func (r *MySQLRecorder) RecordPosition(p PositionRecord) error {
	result := r.db.Save(&p)
	if result.Error != nil {
		return fmt.Errorf("failed to record position: %w", result.Error)
	}
	return nil
}

// RecordTripleSnapshot appends one snapshot row.
func (r *MySQLRecorder) RecordTripleSnapshot(s TripleSnapshotRecord) error {
	result := r.db.Create(&s)
	if result.Error != nil {
		return fmt.Errorf("failed to record triple snapshot: %w", result.Error)
	}
	return nil
}

// LatestTripleSnapshot returns the most recent snapshot for a given triple, if any.
func (r *MySQLRecorder) LatestTripleSnapshot(from, to string, mask uint8) (*TripleSnapshotRecord, error) {
	var record TripleSnapshotRecord
	result := r.db.Where("from_token = ? AND to_token = ? AND mask = ?", from, to, mask).
		Order("timestamp DESC").
		First(&record)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest triple snapshot: %w", result.Error)
	}
	return &record, nil
}

// LoadOpenPositions returns every non-terminated position, for replay on engine startup.
func (r *MySQLRecorder) LoadOpenPositions() ([]PositionRecord, error) {
	var records []PositionRecord
	result := r.db.Where("terminated = ?", false).Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", result.Error)
	}
	return records, nil
}

// Close closes the underlying database connection.
func (r *MySQLRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

// GetDB returns the underlying GORM DB instance for advanced queries.
func (r *MySQLRecorder) GetDB() *gorm.DB {
	return r.db
}

// BigIntToString safely converts *big.Int to its decimal string form, mapping nil to "0".
func BigIntToString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

// StringToBigInt parses a decimal string column back into a *big.Int.
func StringToBigInt(value string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid big.Int string: %q", value)
	}
	return n, nil
}
