package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAdmissible(t *testing.T) {
	tests := []struct {
		name    string
		load    float64
		ceiling float64
		want    bool
	}{
		{"idle host", 0, 0.75, true},
		{"below ceiling", 0.5, 0.75, true},
		{"exactly at ceiling", 0.75, 0.75, true},
		{"just above ceiling", 0.7501, 0.75, false},
		{"saturated host", 1.0, 0.75, false},
		{"zero ceiling admits only idle", 0, 0, true},
		{"zero ceiling rejects any load", 0.01, 0, false},
		{"ceiling of one admits everything", 1.0, 1.0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isAdmissible(tt.load, tt.ceiling))
		})
	}
}

func TestSystemLoadSampler(t *testing.T) {
	sampler := NewSystemLoadSampler()

	load, err := sampler.Sample()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, load, 0.0)
	assert.LessOrEqual(t, load, 1.0, "samples are normalized by CPU count and clamped")
}
