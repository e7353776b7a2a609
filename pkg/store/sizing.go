package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

func (s *store) GetSizingRules(
	ctx context.Context, shop string,
) (*SizingRules, error) {
	var rules SizingRules
	if err := s.db.WithContext(ctx).
		Where("shop_domain = ?", shop).
		First(&rules).Error; err != nil {
		return nil, fmt.Errorf("getting sizing rules: %w", notFound(err))
	}

	return &rules, nil
}

func (s *store) UpsertSizingRules(
	ctx context.Context, rules *SizingRules,
) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "shop_domain"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"small_max_cm", "medium_max_cm", "labels_csv", "updated_at",
			}),
		}).
		Create(rules).Error; err != nil {
		return fmt.Errorf("upserting sizing rules: %w", err)
	}

	return nil
}
