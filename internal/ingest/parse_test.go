package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"1500000", 1_500_000},
		{"Rp 1,500,000", 1_500_000},
		{"$2,000.50", 2000.50},
		{"  750000  ", 750_000},
		{"-250000", -250_000},
		{"", 0},
		{"n/a", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseNumeric(tt.in), tt.in)
	}
}

func TestParseDate(t *testing.T) {
	iso, ok := parseDate("2024-03-15")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), iso)

	// Day-first: 05/03 is the fifth of March, not May.
	dayFirst, ok := parseDate("05/03/2024")
	require.True(t, ok)
	assert.Equal(t, time.March, dayFirst.Month())
	assert.Equal(t, 5, dayFirst.Day())

	_, ok = parseDate("sometime last week")
	assert.False(t, ok)
	_, ok = parseDate("")
	assert.False(t, ok)
}

func TestParseCoordinates(t *testing.T) {
	lat, lon, ok := parseCoordinates("-5.1477, 119.4327")
	require.True(t, ok)
	assert.InDelta(t, -5.1477, lat, 1e-9)
	assert.InDelta(t, 119.4327, lon, 1e-9)

	lat, lon, ok = parseCoordinates("Lat: -5.1477, Long: 119.4327")
	require.True(t, ok)
	assert.InDelta(t, -5.1477, lat, 1e-9)
	assert.InDelta(t, 119.4327, lon, 1e-9)

	lat, lon, ok = parseCoordinates(`5°08'52"S 119°25'58"E`)
	require.True(t, ok)
	assert.InDelta(t, -5.1477, lat, 1e-3)
	assert.InDelta(t, 119.4327, lon, 1e-3)

	_, _, ok = parseCoordinates("somewhere in Makassar")
	assert.False(t, ok)
	_, _, ok = parseCoordinates("200, 400")
	assert.False(t, ok, "out-of-range pair is rejected")
	_, _, ok = parseCoordinates("")
	assert.False(t, ok)
}

func TestBuildFieldIndexAliases(t *testing.T) {
	sample := Row{"Tanggal": "01/02/2024", "Keterangan": "semen", "Jumlah": "5000", "Penerima": "PT X"}
	idx := buildFieldIndex(nil, sample)
	assert.Equal(t, "Tanggal", idx["date"])
	assert.Equal(t, "Keterangan", idx["description"])
	assert.Equal(t, "Jumlah", idx["amount"])
	assert.Equal(t, "Penerima", idx["receiver"])

	// An explicit mapping beats the alias table.
	idx = buildFieldIndex([]Mapping{{SystemField: "amount", FileColumn: "Nilai Kontrak"}}, sample)
	assert.Equal(t, "Nilai Kontrak", idx["amount"])
}
