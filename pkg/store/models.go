package store

import (
	"time"

	"github.com/fitrun/fitrun/pkg/identity"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run status constants.
const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusReplaced  RunStatus = "replaced"
)

// Run is one asynchronous reconstruction attempt for an identity.
type Run struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	ShopDomain      string    `gorm:"not null;index:idx_runs_identity,priority:1" json:"shop_domain"`
	IdentityKey     string    `gorm:"not null;index:idx_runs_identity,priority:2" json:"-"`
	CustomerID      *string   `gorm:"index" json:"customer_id"`
	SessionHash     *string   `json:"-"`
	Status          RunStatus `gorm:"not null;index" json:"status"`
	ModelVersion    int       `gorm:"not null" json:"model_version"`
	InputKey        string    `gorm:"not null" json:"input_key"`
	HeightCm        *float64  `json:"height_cm"`
	OutputKey       *string   `json:"output_key"`
	ReplacedByRunID *string   `gorm:"size:36" json:"replaced_by_run_id"`
	Version         int       `gorm:"not null;default:1" json:"-"`
	CreatedAt       time.Time `gorm:"not null;index:idx_runs_identity,priority:3" json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Identity returns the identity the run belongs to.
func (r *Run) Identity() identity.Identity {
	if r.CustomerID != nil {
		return identity.Customer(*r.CustomerID)
	}

	if r.SessionHash != nil {
		return identity.Guest(*r.SessionHash)
	}

	return identity.Identity{}
}

// SetIdentity stores id on the run.
func (r *Run) SetIdentity(id identity.Identity) {
	r.IdentityKey = id.Key()
	r.CustomerID = nil
	r.SessionHash = nil

	if id.IsCustomer() {
		r.CustomerID = &id.CustomerID
	} else {
		r.SessionHash = &id.SessionHash
	}
}

// Profile holds the per-identity attributes and the active run pointer.
type Profile struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	ShopDomain  string    `gorm:"not null;uniqueIndex:idx_profiles_identity" json:"shop_domain"`
	IdentityKey string    `gorm:"not null;uniqueIndex:idx_profiles_identity" json:"-"`
	CustomerID  *string   `gorm:"index" json:"customer_id"`
	HeightCm    *float64  `json:"height_cm"`
	ActiveRunID *string   `gorm:"size:36" json:"active_run_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SizingRules holds a shop's height thresholds and size labels.
type SizingRules struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	ShopDomain  string    `gorm:"not null;uniqueIndex" json:"shop_domain"`
	SmallMaxCm  float64   `gorm:"not null" json:"small_max_cm"`
	MediumMaxCm float64   `gorm:"not null" json:"medium_max_cm"`
	LabelsCSV   string    `gorm:"not null" json:"labels_csv"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Erasure reports how many records an erasure removed.
type Erasure struct {
	Runs        int64 `json:"runs"`
	Profiles    int64 `json:"profiles"`
	SizingRules int64 `json:"sizing_rules"`
}
