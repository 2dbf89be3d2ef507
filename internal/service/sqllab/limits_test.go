package sqllab

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sqllab/internal/domain"
)

func TestNegotiateLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sql       string
		requested int
		want      Limit
	}{
		{"no sql limit", "select * from t", 1000, Limit{1000, domain.LimitingFactorDropdown}},
		{"sql limit larger", "select * from t limit 5000", 1000, Limit{1000, domain.LimitingFactorDropdown}},
		{"sql limit smaller", "select * from t limit 50", 1000, Limit{50, domain.LimitingFactorQuery}},
		{"equal", "select * from t limit 1000", 1000, Limit{1000, domain.LimitingFactorQueryAndDropdown}},
		{"unlimited with sql limit", "select * from t limit 10", 0, Limit{10, domain.LimitingFactorQuery}},
		{"unlimited", "select * from t", -1, Limit{0, domain.LimitingFactorNotLimited}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := NegotiateLimit(tc.sql, tc.requested)
			assert.Equal(t, tc.want, got)

			sqlLimit := 0
			if tc.want.Factor == domain.LimitingFactorQuery || tc.want.Factor == domain.LimitingFactorQueryAndDropdown {
				sqlLimit = got.Value
			}
			assert.LessOrEqual(t, got.Value, max(tc.requested, sqlLimit))
		})
	}
}

func TestLimit_Patch(t *testing.T) {
	t.Parallel()

	p := Limit{Value: 10, Factor: domain.LimitingFactorQuery}.Patch()
	assert.Equal(t, 10, *p.Limit)
	assert.Equal(t, domain.LimitingFactorQuery, *p.LimitingFactor)

	p = Limit{Factor: domain.LimitingFactorNotLimited}.Patch()
	assert.Nil(t, p.Limit)
}

func TestFetchLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100, fetchLimit(&domain.Query{}, 100))
	assert.Equal(t, 10, fetchLimit(&domain.Query{Limit: domain.Ptr(10)}, 100))
	assert.Equal(t, 100, fetchLimit(&domain.Query{Limit: domain.Ptr(1000)}, 100))
}
