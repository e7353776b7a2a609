package store

import (
	"context"
	"fmt"

	"github.com/fitrun/fitrun/pkg/identity"
	"gorm.io/gorm/clause"
)

var profileIdentityColumns = []clause.Column{
	{Name: "shop_domain"},
	{Name: "identity_key"},
}

func newProfile(shop string, id identity.Identity) *Profile {
	p := &Profile{
		ShopDomain:  shop,
		IdentityKey: id.Key(),
	}

	if id.IsCustomer() {
		customerID := id.CustomerID
		p.CustomerID = &customerID
	}

	return p
}

func (s *store) GetProfile(
	ctx context.Context, shop string, id identity.Identity,
) (*Profile, error) {
	var profile Profile
	if err := s.db.WithContext(ctx).
		Where("shop_domain = ? AND identity_key = ?", shop, id.Key()).
		First(&profile).Error; err != nil {
		return nil, fmt.Errorf("getting profile: %w", notFound(err))
	}

	return &profile, nil
}

// SaveHeight creates the profile if needed and sets its height.
func (s *store) SaveHeight(
	ctx context.Context, shop string, id identity.Identity, heightCm *float64,
) (*Profile, error) {
	profile := newProfile(shop, id)
	profile.HeightCm = heightCm

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   profileIdentityColumns,
			DoUpdates: clause.AssignmentColumns([]string{"height_cm", "updated_at"}),
		}).
		Create(profile).Error; err != nil {
		return nil, fmt.Errorf("saving height: %w", err)
	}

	return s.GetProfile(ctx, shop, id)
}

// SwapActiveRun points the profile at runID if its active run is still
// expected (nil meaning unset or no profile yet). It reports whether the
// swap happened.
func (s *store) SwapActiveRun(
	ctx context.Context,
	shop string,
	id identity.Identity,
	expected *string,
	runID string,
) (bool, error) {
	db := s.db.WithContext(ctx)

	if expected == nil {
		profile := newProfile(shop, id)
		profile.ActiveRunID = &runID

		created := db.Clauses(clause.OnConflict{
			Columns:   profileIdentityColumns,
			DoNothing: true,
		}).Create(profile)
		if created.Error != nil {
			return false, fmt.Errorf("creating profile: %w", created.Error)
		}

		if created.RowsAffected == 1 {
			return true, nil
		}
	}

	query := db.Model(&Profile{}).
		Where("shop_domain = ? AND identity_key = ?", shop, id.Key())

	if expected == nil {
		query = query.Where("active_run_id IS NULL")
	} else {
		query = query.Where("active_run_id = ?", *expected)
	}

	result := query.Update("active_run_id", runID)
	if result.Error != nil {
		return false, fmt.Errorf("swapping active run: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}
