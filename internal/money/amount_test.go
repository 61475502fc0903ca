package money

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTruncatesToScale(t *testing.T) {
	a, err := New("10.123456789")
	assert.NoError(t, err)
	assert.Equal(t, "10.12345678", a.String())
}

func TestNewRejectsGarbage(t *testing.T) {
	_, err := New("not-a-number")
	assert.Error(t, err)
}

func TestMulPercent(t *testing.T) {
	amount := MustNew("1000")
	pct := MustNew("2.5")
	assert.Equal(t, "25.00000000", amount.MulPercent(pct).String())
}

func TestMin(t *testing.T) {
	a := MustNew("10")
	b := MustNew("7")
	assert.Equal(t, b, Min(a, b))
	assert.Equal(t, b, Min(b, a))
}

func TestToWeiAndFromWeiRoundTrip(t *testing.T) {
	a := MustNew("1.5")
	wei := a.ToWei(18)
	assert.Equal(t, "1500000000000000000", wei.String())

	back := FromWei(wei, 18)
	assert.True(t, a.Equal(back))
}

func TestToWeiTruncatesDown(t *testing.T) {
	a := MustNew("0.00000019")
	wei := a.ToWei(7)
	assert.Equal(t, big.NewInt(1), wei)
}

func TestWithinTolerance(t *testing.T) {
	expected := MustNew("100")
	tolerance := MustNew("0.01")

	assert.True(t, WithinTolerance(MustNew("100.5"), expected, tolerance, 18))
	assert.True(t, WithinTolerance(MustNew("99.5"), expected, tolerance, 18))
	assert.False(t, WithinTolerance(MustNew("102"), expected, tolerance, 18))
}

func TestAddSubMulTruncate(t *testing.T) {
	a := MustNew("1.000000001")
	b := MustNew("1.000000001")
	assert.Equal(t, "2.00000000", a.Add(b).String())
}
