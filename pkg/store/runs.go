package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fitrun/fitrun/pkg/identity"
	"gorm.io/gorm"
)

func (s *store) CreateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

// InsertOptions controls InsertRun.
type InsertOptions struct {
	// WindowStart rejects the insert with ErrRecentRun when the identity
	// created a run at or after it. The zero value disables the check.
	WindowStart time.Time
	// Replace supersedes the identity's earlier runs in these statuses
	// within the same transaction. Nil skips the sweep.
	Replace []RunStatus
}

// InsertRun inserts run in a transaction that holds the identity's lock,
// so the creation window check and the insert cannot interleave with a
// concurrent creation. It returns the number of superseded runs.
func (s *store) InsertRun(
	ctx context.Context, run *Run, opts InsertOptions,
) (int64, error) {
	var replaced int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockIdentity(tx, run.ShopDomain, run.IdentityKey); err != nil {
			return err
		}

		if !opts.WindowStart.IsZero() {
			var count int64
			if err := tx.Model(&Run{}).
				Where("shop_domain = ? AND identity_key = ?", run.ShopDomain, run.IdentityKey).
				Where("created_at >= ?", opts.WindowStart.UTC()).
				Count(&count).Error; err != nil {
				return fmt.Errorf("counting recent runs: %w", err)
			}

			if count > 0 {
				return ErrRecentRun
			}
		}

		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		if opts.Replace == nil {
			return nil
		}

		n, err := replacePriorRuns(tx, run, opts.Replace)
		if err != nil {
			return err
		}

		replaced = n

		return nil
	})
	if err != nil {
		return 0, err
	}

	return replaced, nil
}

// lockIdentity serializes run creation per identity until tx ends. SQLite
// runs on a single connection, which already serializes transactions.
func (s *store) lockIdentity(tx *gorm.DB, shop, identityKey string) error {
	if s.cfg.Driver != "postgres" {
		return nil
	}

	if err := tx.Exec(
		"SELECT pg_advisory_xact_lock(hashtext(?))", shop+"|"+identityKey,
	).Error; err != nil {
		return fmt.Errorf("locking identity: %w", err)
	}

	return nil
}

// ReplacePriorRuns marks every run of the same identity that was created
// before run and is still in a replaceable status as replaced by run.
func (s *store) ReplacePriorRuns(
	ctx context.Context, run *Run, replaceable []RunStatus,
) (int64, error) {
	return replacePriorRuns(s.db.WithContext(ctx), run, replaceable)
}

// replacePriorRuns orders runs by (created_at, id) so that two concurrent
// creations can never replace each other.
func replacePriorRuns(
	db *gorm.DB, run *Run, replaceable []RunStatus,
) (int64, error) {
	result := db.Model(&Run{}).
		Where("shop_domain = ? AND identity_key = ?", run.ShopDomain, run.IdentityKey).
		Where("id <> ? AND replaced_by_run_id IS NULL", run.ID).
		Where("status IN ?", replaceable).
		Where(
			"(created_at < ? OR (created_at = ? AND id < ?))",
			run.CreatedAt, run.CreatedAt, run.ID,
		).
		Updates(map[string]any{
			"status":             StatusReplaced,
			"replaced_by_run_id": run.ID,
			"version":            gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("replacing prior runs: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func (s *store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, notFound(err))
	}

	return &run, nil
}

// UpdateRunOutcome sets status (and outputKey when non-nil) if the run is
// still at expectedVersion. It reports whether the row was updated.
func (s *store) UpdateRunOutcome(
	ctx context.Context,
	runID string,
	expectedVersion int,
	status RunStatus,
	outputKey *string,
) (bool, error) {
	updates := map[string]any{
		"status":  status,
		"version": gorm.Expr("version + 1"),
	}

	if outputKey != nil {
		updates["output_key"] = *outputKey
	}

	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND version = ?", runID, expectedVersion).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("updating run outcome: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// ListRuns returns the shop's most recent runs, newest first.
func (s *store) ListRuns(
	ctx context.Context, shop string, limit int,
) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("shop_domain = ?", shop).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

func (s *store) ListRunsByIdentity(
	ctx context.Context, shop string, id identity.Identity,
) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("shop_domain = ? AND identity_key = ?", shop, id.Key()).
		Order("created_at DESC, id DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs by identity: %w", err)
	}

	return runs, nil
}
