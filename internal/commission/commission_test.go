package commission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lootvault/lootvault/internal/money"
)

func TestRate_Table(t *testing.T) {
	assert.Equal(t, "5.00", Rate(RankNova).StringFixed(2))
	assert.Equal(t, "4.50", Rate(RankStar).StringFixed(2))
	assert.Equal(t, "4.00", Rate(RankGalaxy).StringFixed(2))
	assert.Equal(t, "3.50", Rate(RankSupernova).StringFixed(2))
	assert.Equal(t, "5.00", Rate(Rank("bogus")).StringFixed(2))
}

func TestSplit_StarHundredDollars(t *testing.T) {
	payout, fee := Split(money.MustParse("100.00"), RankStar)
	assert.Equal(t, "95.50", money.Format(payout))
	assert.Equal(t, "4.50", money.Format(fee))
}

func TestSplit_ReconcilesExactly(t *testing.T) {
	amounts := []string{"0.01", "0.03", "0.99", "1.11", "9.99", "13.37", "33.33", "100.00", "1234.57", "99999.99"}
	for _, r := range []Rank{RankNova, RankStar, RankGalaxy, RankSupernova} {
		for _, a := range amounts {
			amount := money.MustParse(a)
			payout, fee := Split(amount, r)
			assert.True(t, payout.Add(fee).Equal(amount), "rank %s amount %s: %s + %s", r, a, payout, fee)
			assert.True(t, fee.Equal(fee.Truncate(2)), "fee %s has sub-cent digits", fee)
			assert.False(t, payout.IsNegative())
		}
	}
}

func TestParseRank(t *testing.T) {
	assert.Equal(t, RankGalaxy, ParseRank(" Galaxy "))
	assert.Equal(t, DefaultRank, ParseRank(""))
	assert.True(t, RankSupernova.Valid())
	assert.False(t, Rank("comet").Valid())
}

func TestStaticRanks(t *testing.T) {
	ranks := NewStaticRanks()
	ranks.Set("seller-1", RankSupernova)

	r, err := ranks.CurrentRank(context.Background(), "seller-1")
	require.NoError(t, err)
	assert.Equal(t, RankSupernova, r)

	r, err = ranks.CurrentRank(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, DefaultRank, r)
}
