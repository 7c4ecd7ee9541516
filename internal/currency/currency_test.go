package currency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	rate  float64
	err   error
	calls int
}

func (p *stubProvider) Rate(_ context.Context, _, _ string, _ *time.Time) (float64, error) {
	p.calls++
	return p.rate, p.err
}

func TestSameCurrencyShortCircuits(t *testing.T) {
	p := &stubProvider{rate: 99}
	s := New(p, nil, 0)

	rate, err := s.Rate(context.Background(), "IDR", "IDR", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
	assert.Zero(t, p.calls, "same-currency must not hit the provider")
}

func TestProviderRateIsCached(t *testing.T) {
	p := &stubProvider{rate: 15500}
	s := New(p, nil, time.Hour)

	first, err := s.Rate(context.Background(), "USD", "IDR", nil)
	require.NoError(t, err)
	assert.Equal(t, 15500.0, first)

	second, err := s.Rate(context.Background(), "USD", "IDR", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.calls, "second lookup must come from cache")
}

func TestProviderFailureFallsBackToStaticTable(t *testing.T) {
	p := &stubProvider{err: errors.New("timeout")}
	s := New(p, nil, time.Hour)

	rate, err := s.Rate(context.Background(), "USD", "IDR", nil)
	require.NoError(t, err)
	assert.InDelta(t, 15750.0, rate, 1e-9)
}

func TestCrossRateThroughUSD(t *testing.T) {
	s := New(nil, nil, time.Hour)

	rate, err := s.Rate(context.Background(), "EUR", "IDR", nil)
	require.NoError(t, err)
	assert.InDelta(t, 15750.0/0.92, rate, 1e-6)
}

func TestUnsupportedPair(t *testing.T) {
	s := New(nil, nil, time.Hour)

	_, err := s.Rate(context.Background(), "XAU", "IDR", nil)
	var unsupported ErrUnsupportedPair
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "XAU", unsupported.From)
}

func TestConvertRoundsToTwoDigits(t *testing.T) {
	s := New(nil, nil, time.Hour)

	got, err := s.Convert(context.Background(), decimal.NewFromInt(100), "USD", "SGD", nil)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(134.00).Equal(got), got.String())
}

func TestEmptyCurrencyDefaultsToIDR(t *testing.T) {
	s := New(nil, nil, time.Hour)
	rate, err := s.Rate(context.Background(), "", "IDR", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
}
