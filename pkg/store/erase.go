package store

import (
	"context"
	"fmt"

	"github.com/fitrun/fitrun/pkg/identity"
	"gorm.io/gorm"
)

// EraseShop hard-deletes every record of shop.
func (s *store) EraseShop(ctx context.Context, shop string) (*Erasure, error) {
	var erased Erasure

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		runs := tx.Where("shop_domain = ?", shop).Delete(&Run{})
		if runs.Error != nil {
			return fmt.Errorf("deleting runs: %w", runs.Error)
		}

		profiles := tx.Where("shop_domain = ?", shop).Delete(&Profile{})
		if profiles.Error != nil {
			return fmt.Errorf("deleting profiles: %w", profiles.Error)
		}

		rules := tx.Where("shop_domain = ?", shop).Delete(&SizingRules{})
		if rules.Error != nil {
			return fmt.Errorf("deleting sizing rules: %w", rules.Error)
		}

		erased = Erasure{
			Runs:        runs.RowsAffected,
			Profiles:    profiles.RowsAffected,
			SizingRules: rules.RowsAffected,
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("erasing shop %s: %w", shop, err)
	}

	s.log.WithField("shop", shop).
		WithField("runs", erased.Runs).
		WithField("profiles", erased.Profiles).
		Info("Erased shop data")

	return &erased, nil
}

// EraseIdentity hard-deletes the runs and profile of one identity.
func (s *store) EraseIdentity(
	ctx context.Context, shop string, id identity.Identity,
) (*Erasure, error) {
	var erased Erasure

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		runs := tx.Where("shop_domain = ? AND identity_key = ?", shop, id.Key()).
			Delete(&Run{})
		if runs.Error != nil {
			return fmt.Errorf("deleting runs: %w", runs.Error)
		}

		profiles := tx.Where("shop_domain = ? AND identity_key = ?", shop, id.Key()).
			Delete(&Profile{})
		if profiles.Error != nil {
			return fmt.Errorf("deleting profiles: %w", profiles.Error)
		}

		erased = Erasure{
			Runs:     runs.RowsAffected,
			Profiles: profiles.RowsAffected,
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("erasing identity: %w", err)
	}

	s.log.WithField("shop", shop).
		WithField("runs", erased.Runs).
		WithField("profiles", erased.Profiles).
		Info("Erased identity data")

	return &erased, nil
}
