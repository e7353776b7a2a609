// Package store persists runs, profiles and sizing rules.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fitrun/fitrun/pkg/config"
	"github.com/fitrun/fitrun/pkg/identity"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrRecentRun is returned by InsertRun when the identity created a run
	// inside the creation window.
	ErrRecentRun = errors.New("run created within window")
)

// Store provides persistence for runs and profiles.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Runs.
	CreateRun(ctx context.Context, run *Run) error
	InsertRun(ctx context.Context, run *Run, opts InsertOptions) (int64, error)
	ReplacePriorRuns(
		ctx context.Context, run *Run, replaceable []RunStatus,
	) (int64, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunOutcome(
		ctx context.Context,
		runID string,
		expectedVersion int,
		status RunStatus,
		outputKey *string,
	) (bool, error)
	ListRuns(ctx context.Context, shop string, limit int) ([]Run, error)
	ListRunsByIdentity(
		ctx context.Context, shop string, id identity.Identity,
	) ([]Run, error)

	// Profiles.
	GetProfile(
		ctx context.Context, shop string, id identity.Identity,
	) (*Profile, error)
	SaveHeight(
		ctx context.Context, shop string, id identity.Identity, heightCm *float64,
	) (*Profile, error)
	SwapActiveRun(
		ctx context.Context,
		shop string,
		id identity.Identity,
		expected *string,
		runID string,
	) (bool, error)

	// Sizing rules.
	GetSizingRules(ctx context.Context, shop string) (*SizingRules, error)
	UpsertSizingRules(ctx context.Context, rules *SizingRules) error

	// Erasure.
	EraseShop(ctx context.Context, shop string) (*Erasure, error)
	EraseIdentity(
		ctx context.Context, shop string, id identity.Identity,
	) (*Erasure, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps in-memory
	// databases shared across calls.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&Profile{},
		&SizingRules{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// notFound maps gorm's record-not-found error to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}

// IsContention reports whether err is a transient serialization failure,
// deadlock or lock timeout that a caller may retry.
func IsContention(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}

		return false
	}

	msg := err.Error()

	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
