// Package sizing derives a size label from a visitor's height.
package sizing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fitrun/fitrun/pkg/store"
)

const (
	// MinHeightCm is the smallest height accepted for a recommendation.
	MinHeightCm = 50.0

	// MaxHeightCm is the largest height accepted for a recommendation.
	MaxHeightCm = 300.0

	// DefaultSmallMaxCm is the default upper bound of the first label.
	DefaultSmallMaxCm = 165.0

	// DefaultMediumMaxCm is the default upper bound of the second label.
	DefaultMediumMaxCm = 180.0

	// DefaultLabelsCSV is the default label list.
	DefaultLabelsCSV = "S,M,L"
)

// ErrInvalidRules is returned for malformed sizing rules or heights.
var ErrInvalidRules = errors.New("invalid sizing input")

// Rules maps height bands to size labels.
type Rules struct {
	SmallMaxCm  float64  `json:"small_max_cm"`
	MediumMaxCm float64  `json:"medium_max_cm"`
	Labels      []string `json:"labels"`
}

// DefaultRules returns the rules used when a shop has none configured.
func DefaultRules() Rules {
	return Rules{
		SmallMaxCm:  DefaultSmallMaxCm,
		MediumMaxCm: DefaultMediumMaxCm,
		Labels:      []string{"S", "M", "L"},
	}
}

// ParseLabels splits a comma separated label list, trimming blanks.
func ParseLabels(csv string) ([]string, error) {
	parts := strings.Split(csv, ",")
	labels := make([]string, 0, len(parts))

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			labels = append(labels, p)
		}
	}

	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: at least one label is required", ErrInvalidRules)
	}

	return labels, nil
}

// Validate checks the band bounds and labels.
func (r Rules) Validate() error {
	if len(r.Labels) == 0 {
		return fmt.Errorf("%w: at least one label is required", ErrInvalidRules)
	}

	for _, l := range r.Labels {
		if strings.TrimSpace(l) == "" || strings.Contains(l, ",") {
			return fmt.Errorf("%w: label %q", ErrInvalidRules, l)
		}
	}

	if r.SmallMaxCm <= 0 || r.MediumMaxCm <= 0 {
		return fmt.Errorf("%w: band bounds must be positive", ErrInvalidRules)
	}

	if r.SmallMaxCm > r.MediumMaxCm {
		return fmt.Errorf("%w: small_max_cm exceeds medium_max_cm", ErrInvalidRules)
	}

	return nil
}

// Recommend returns the label for heightCm.
func Recommend(r Rules, heightCm float64) (string, error) {
	if err := ValidateHeight(heightCm); err != nil {
		return "", err
	}

	if len(r.Labels) == 0 {
		return "", fmt.Errorf("%w: no labels", ErrInvalidRules)
	}

	idx := 2

	switch {
	case heightCm <= r.SmallMaxCm:
		idx = 0
	case heightCm <= r.MediumMaxCm:
		idx = 1
	}

	if idx >= len(r.Labels) {
		idx = len(r.Labels) - 1
	}

	return r.Labels[idx], nil
}

// ValidateHeight checks heightCm is within the accepted range.
func ValidateHeight(heightCm float64) error {
	if heightCm < MinHeightCm || heightCm > MaxHeightCm {
		return fmt.Errorf(
			"%w: height %.1f outside [%.0f, %.0f] cm",
			ErrInvalidRules, heightCm, MinHeightCm, MaxHeightCm,
		)
	}

	return nil
}

// FromStore converts stored rules, falling back to defaults when the shop
// has none.
func FromStore(sr *store.SizingRules) Rules {
	if sr == nil {
		return DefaultRules()
	}

	labels, err := ParseLabels(sr.LabelsCSV)
	if err != nil {
		labels = DefaultRules().Labels
	}

	return Rules{
		SmallMaxCm:  sr.SmallMaxCm,
		MediumMaxCm: sr.MediumMaxCm,
		Labels:      labels,
	}
}

// ToStore converts rules to their stored form for shop.
func (r Rules) ToStore(shop string) *store.SizingRules {
	return &store.SizingRules{
		ShopDomain:  shop,
		SmallMaxCm:  r.SmallMaxCm,
		MediumMaxCm: r.MediumMaxCm,
		LabelsCSV:   strings.Join(r.Labels, ","),
	}
}
