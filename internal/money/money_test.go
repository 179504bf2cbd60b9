package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"100", "100.00", nil},
		{"100.5", "100.50", nil},
		{" 0.01 ", "0.01", nil},
		{"19.999", "", ErrPrecision},
		{"-1.00", "", ErrInvalid},
		{"1e3", "", ErrInvalid},
		{"", "", ErrInvalid},
		{"abc", "", ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, Format(got))
		})
	}
}

func TestRound_HalfAwayFromZero(t *testing.T) {
	assert.Equal(t, "0.05", Format(Round(MustParse("1.00").Mul(MustParse("0.045")))))
	assert.Equal(t, "4.50", Format(Round(MustParse("100.00").Mul(MustParse("0.045")))))
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("1.234") })
}
