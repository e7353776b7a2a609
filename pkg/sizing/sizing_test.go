package sizing

import (
	"testing"

	"github.com/fitrun/fitrun/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecommend(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		name    string
		rules   Rules
		height  float64
		want    string
		wantErr bool
	}{
		{name: "small", rules: rules, height: 150, want: "S"},
		{name: "small boundary", rules: rules, height: 165, want: "S"},
		{name: "medium", rules: rules, height: 170, want: "M"},
		{name: "medium boundary", rules: rules, height: 180, want: "M"},
		{name: "large", rules: rules, height: 190, want: "L"},
		{name: "min height", rules: rules, height: 50, want: "S"},
		{name: "max height", rules: rules, height: 300, want: "L"},
		{name: "too short", rules: rules, height: 49.9, wantErr: true},
		{name: "too tall", rules: rules, height: 300.1, wantErr: true},
		{
			name:   "single label clamps",
			rules:  Rules{SmallMaxCm: 165, MediumMaxCm: 180, Labels: []string{"ONE"}},
			height: 200,
			want:   "ONE",
		},
		{
			name:   "two labels clamp large",
			rules:  Rules{SmallMaxCm: 165, MediumMaxCm: 180, Labels: []string{"A", "B"}},
			height: 200,
			want:   "B",
		},
		{
			name:   "extra labels ignored",
			rules:  Rules{SmallMaxCm: 160, MediumMaxCm: 175, Labels: []string{"XS", "S", "M", "L"}},
			height: 190,
			want:   "M",
		},
		{
			name:    "no labels",
			rules:   Rules{SmallMaxCm: 165, MediumMaxCm: 180},
			height:  170,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Recommend(tt.rules, tt.height)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRules)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLabels(t *testing.T) {
	labels, err := ParseLabels(" S, M ,,L ")
	require.NoError(t, err)
	assert.Equal(t, []string{"S", "M", "L"}, labels)

	_, err = ParseLabels(" , ,")
	require.ErrorIs(t, err, ErrInvalidRules)
}

func TestRules_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rules   Rules
		wantErr bool
	}{
		{name: "defaults", rules: DefaultRules()},
		{name: "no labels", rules: Rules{SmallMaxCm: 1, MediumMaxCm: 2}, wantErr: true},
		{name: "blank label", rules: Rules{SmallMaxCm: 1, MediumMaxCm: 2, Labels: []string{" "}}, wantErr: true},
		{name: "comma in label", rules: Rules{SmallMaxCm: 1, MediumMaxCm: 2, Labels: []string{"S,M"}}, wantErr: true},
		{name: "inverted bands", rules: Rules{SmallMaxCm: 190, MediumMaxCm: 180, Labels: []string{"S"}}, wantErr: true},
		{name: "zero bound", rules: Rules{SmallMaxCm: 0, MediumMaxCm: 180, Labels: []string{"S"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rules.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRules)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestStoreConversion(t *testing.T) {
	assert.Equal(t, DefaultRules(), FromStore(nil))

	stored := Rules{SmallMaxCm: 160, MediumMaxCm: 175, Labels: []string{"XS", "S", "M"}}.ToStore("demo.myshopify.com")
	assert.Equal(t, "demo.myshopify.com", stored.ShopDomain)
	assert.Equal(t, "XS,S,M", stored.LabelsCSV)

	back := FromStore(stored)
	assert.Equal(t, []string{"XS", "S", "M"}, back.Labels)
	assert.InDelta(t, 160.0, back.SmallMaxCm, 0.001)

	broken := FromStore(&store.SizingRules{SmallMaxCm: 1, MediumMaxCm: 2, LabelsCSV: ""})
	assert.Equal(t, DefaultRules().Labels, broken.Labels)
}
