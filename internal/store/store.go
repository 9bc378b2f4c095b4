// Package store archives table snapshots in Postgres so recovery can reach
// further back than the in-memory history.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/table-sync/internal/logging"
	"github.com/DoyleJ11/table-sync/internal/snapshot"
)

var (
	ErrNotFound  = errors.New("snapshot not archived")
	ErrDuplicate = errors.New("snapshot version already archived")
	ErrCorrupt   = errors.New("archived snapshot fails validation")
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// SnapshotRecord is one archived snapshot. Payload holds the zstd-compressed
// transfer JSON.
type SnapshotRecord struct {
	ID        uint      `gorm:"primaryKey"`
	TableID   string    `gorm:"column:table_id;size:64;not null;uniqueIndex:idx_snapshot_table_version,priority:1"`
	Version   int64     `gorm:"column:version;not null;uniqueIndex:idx_snapshot_table_version,priority:2"`
	Hash      string    `gorm:"column:hash;size:64;not null"`
	Payload   []byte    `gorm:"column:payload;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (SnapshotRecord) TableName() string {
	return "table_snapshots"
}

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// Open connects to Postgres.
func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

type Repository struct {
	db  *gorm.DB
	log *zap.Logger
}

// New migrates the schema and returns a repository over db.
func New(db *gorm.DB, log *zap.Logger) (*Repository, error) {
	log = logging.OrNop(log)
	if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Repository{db: db, log: log}, nil
}

func (r *Repository) Save(ctx context.Context, table string, s *snapshot.Snapshot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot %d: %w", s.Version, err)
	}
	rec := SnapshotRecord{
		TableID:   table,
		Version:   s.Version,
		Hash:      s.Hash,
		Payload:   encoder.EncodeAll(raw, nil),
		CreatedAt: s.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s@%d", ErrDuplicate, table, s.Version)
		}
		return fmt.Errorf("save snapshot %s@%d: %w", table, s.Version, err)
	}
	return nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (r *Repository) Load(ctx context.Context, table string, version int64) (*snapshot.Snapshot, error) {
	var rec SnapshotRecord
	err := r.db.WithContext(ctx).
		Where("table_id = ? AND version = ?", table, version).
		First(&rec).Error
	if err != nil {
		return nil, r.notFound(err, table, version)
	}
	return decode(rec)
}

// Latest returns the highest archived version for table.
func (r *Repository) Latest(ctx context.Context, table string) (*snapshot.Snapshot, error) {
	var rec SnapshotRecord
	err := r.db.WithContext(ctx).
		Where("table_id = ?", table).
		Order("version DESC").
		First(&rec).Error
	if err != nil {
		return nil, r.notFound(err, table, -1)
	}
	return decode(rec)
}

// Prune deletes all but the newest keep versions of table.
func (r *Repository) Prune(ctx context.Context, table string, keep int) (int64, error) {
	latest, err := r.Latest(ctx, table)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	res := r.db.WithContext(ctx).
		Where("table_id = ? AND version <= ?", table, latest.Version-int64(keep)).
		Delete(&SnapshotRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune %s: %w", table, res.Error)
	}
	return res.RowsAffected, nil
}

func (r *Repository) notFound(err error, table string, version int64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s@%d", ErrNotFound, table, version)
	}
	return fmt.Errorf("load snapshot %s@%d: %w", table, version, err)
}

func decode(rec SnapshotRecord) (*snapshot.Snapshot, error) {
	raw, err := decoder.DecodeAll(rec.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s@%d: %w", rec.TableID, rec.Version, err)
	}
	var s snapshot.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode %s@%d: %w", rec.TableID, rec.Version, err)
	}
	if s.Hash != rec.Hash || !snapshot.ValidateState(&s) {
		return nil, fmt.Errorf("%w: %s@%d", ErrCorrupt, rec.TableID, rec.Version)
	}
	return &s, nil
}
