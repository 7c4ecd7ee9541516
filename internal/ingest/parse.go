package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// fieldAliases map raw column headers to system fields so a file can be
// ingested without an explicit mapping for every column. Explicit mappings
// always win.
var fieldAliases = map[string][]string{
	"date":            {"date", "tanggal", "tgl", "transaction_date", "value_date"},
	"description":     {"description", "keterangan", "uraian", "memo", "narasi"},
	"amount":          {"amount", "jumlah", "nominal", "nilai", "total"},
	"proposed_amount": {"proposed_amount", "anggaran", "nilai_anggaran", "rencana", "proposed"},
	"actual_amount":   {"actual_amount", "realisasi", "nilai_realisasi", "actual"},
	"audit_comment":   {"audit_comment", "catatan_audit", "catatan", "komentar"},
	"balance":         {"balance", "saldo"},
	"credit":          {"credit", "kredit", "cr"},
	"debit":           {"debit", "db"},
	"sender":          {"sender", "pengirim", "dari", "from"},
	"receiver":        {"receiver", "penerima", "kepada", "to", "vendor"},
	"account_number":  {"account_number", "no_rekening", "rekening", "account"},
	"city":            {"city", "kota", "lokasi"},
	"sub_group":       {"sub_group", "kelompok", "kategori"},
	"timeline":        {"timeline", "fase", "phase"},
	"geolocation":     {"geolocation", "koordinat", "gps", "coordinates"},
	"category":        {"category", "kode", "category_code"},
	"bank_name":       {"bank_name", "bank"},
}

// fieldIndex resolves system fields to file columns: explicit mappings
// first, then header aliases for anything left unmapped.
type fieldIndex map[string]string

func buildFieldIndex(mappings []Mapping, sample Row) fieldIndex {
	idx := make(fieldIndex)
	for _, m := range mappings {
		if m.SystemField != "" && m.FileColumn != "" {
			idx[m.SystemField] = m.FileColumn
		}
	}
	for field, aliases := range fieldAliases {
		if _, ok := idx[field]; ok {
			continue
		}
		for col := range sample {
			lower := strings.ToLower(strings.TrimSpace(col))
			for _, alias := range aliases {
				if lower == alias {
					idx[field] = col
					break
				}
			}
		}
	}
	return idx
}

// value returns the trimmed cell for a system field, empty when the column
// is unmapped, missing, or a placeholder dash.
func (idx fieldIndex) value(row Row, field string) string {
	col, ok := idx[field]
	if !ok {
		return ""
	}
	v := strings.TrimSpace(row[col])
	if v == "—" || v == "-" {
		return ""
	}
	return v
}

// numericCleaner strips currency prefixes and thousand separators.
var numericCleaner = strings.NewReplacer("Rp", "", "rp", "", "$", "", ",", "", " ", "")

// parseNumeric turns a cell into a float, tolerating "Rp 1,500,000" style
// formatting. Unparseable or empty cells yield zero.
func parseNumeric(s string) float64 {
	s = strings.TrimSpace(numericCleaner.Replace(s))
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// dateLayouts in trial order: ISO first, then the day-first forms common in
// exported ledgers.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"02 Jan 2006",
	"2 January 2006",
}

// parseDate attempts every known layout. The bool reports success; callers
// decide the fallback.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

var (
	labeledCoordRe = regexp.MustCompile(`(?i)lat[a-z.:\s]*(-?\d+(?:\.\d+)?)[,;\s]+(?:long?|lng)[a-z.:\s]*(-?\d+(?:\.\d+)?)`)
	decimalPairRe  = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*[,;\s]\s*(-?\d+(?:\.\d+)?)\s*$`)
	dmsRe          = regexp.MustCompile(`(\d+(?:\.\d+)?)[°d:\s]+(\d+(?:\.\d+)?)['m:\s]+(?:(\d+(?:\.\d+)?)["s\s]*)?([NSEW])`)
)

// parseCoordinates accepts a decimal "lat,lon" pair, DMS with NSEW
// suffixes, or a labeled "Lat: x, Long: y" form. Values outside the valid
// ranges are rejected.
func parseCoordinates(s string) (lat, lon float64, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, false
	}

	if m := labeledCoordRe.FindStringSubmatch(s); m != nil {
		lat, _ = strconv.ParseFloat(m[1], 64)
		lon, _ = strconv.ParseFloat(m[2], 64)
		return lat, lon, validCoords(lat, lon)
	}

	if m := decimalPairRe.FindStringSubmatch(s); m != nil {
		lat, _ = strconv.ParseFloat(m[1], 64)
		lon, _ = strconv.ParseFloat(m[2], 64)
		return lat, lon, validCoords(lat, lon)
	}

	if ms := dmsRe.FindAllStringSubmatch(strings.ToUpper(s), -1); len(ms) == 2 {
		var vals [2]float64
		var axes [2]byte
		for i, m := range ms {
			deg, _ := strconv.ParseFloat(m[1], 64)
			min, _ := strconv.ParseFloat(m[2], 64)
			sec := 0.0
			if m[3] != "" {
				sec, _ = strconv.ParseFloat(m[3], 64)
			}
			v := deg + min/60 + sec/3600
			if m[4] == "S" || m[4] == "W" {
				v = -v
			}
			vals[i] = v
			axes[i] = m[4][0]
		}
		// Whichever part carries N/S is the latitude.
		if axes[0] == 'N' || axes[0] == 'S' {
			lat, lon = vals[0], vals[1]
		} else {
			lat, lon = vals[1], vals[0]
		}
		return lat, lon, validCoords(lat, lon)
	}

	return 0, 0, false
}

func validCoords(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 && (lat != 0 || lon != 0)
}

// metroCities are expected procurement locations; high-value spending
// elsewhere is annotated.
var metroCities = map[string]bool{
	"jakarta":  true,
	"surabaya": true,
	"bandung":  true,
	"medan":    true,
}
