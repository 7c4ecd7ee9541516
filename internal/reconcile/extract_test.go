package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectChannel(t *testing.T) {
	tests := []struct {
		description string
		want        string
	}{
		{"TRF RTGS PT MAJU BERSAMA", ChannelRTGS},
		{"kliring masuk dari rekanan", ChannelRTGS},
		{"BI-FAST transfer gaji", ChannelBIFast},
		{"TARIK TUNAI ATM CABANG", ChannelATM},
		{"PENCAIRAN CEK NO 123", ChannelCheck},
		{"SWIFT TT USD SUPPLIER", ChannelIntl},
		{"setoran biasa", ChannelUnknown},
		{"", ChannelUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectChannel(tt.description), tt.description)
	}
}

func TestChannelWindowDays(t *testing.T) {
	assert.Equal(t, 1, ChannelWindowDays(ChannelRTGS, 7))
	assert.Equal(t, 1, ChannelWindowDays(ChannelBIFast, 7))
	assert.Equal(t, 2, ChannelWindowDays(ChannelATM, 7))
	assert.Equal(t, 7, ChannelWindowDays(ChannelCheck, 3))
	assert.Equal(t, 14, ChannelWindowDays(ChannelIntl, 3))
	assert.Equal(t, 9, ChannelWindowDays(ChannelUnknown, 9), "unknown falls back to the project setting")
}

func TestExtractInvoiceRef(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Pembayaran INV-2024001 semen", "REF2024001"},
		{"INVOICE # 55501 termin 2", "REF055501"},
		{"sesuai kwitansi 8801", "REF008801"},
		{"SPK 120045 pekerjaan galian", "REF120045"},
		{"ref 9912 pelunasan", "REF009912"},
		{"no reference here", ""},
		{"INV-12", ""}, // too short to be a reference
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractInvoiceRef(tt.text), tt.text)
	}
}

func TestExtractInvoiceRefPadsToSixDigits(t *testing.T) {
	// Both spellings of the same invoice canonicalize identically.
	assert.Equal(t, ExtractInvoiceRef("INV 1234"), ExtractInvoiceRef("invoice #001234"))
}

func TestExtractBatchRef(t *testing.T) {
	assert.Equal(t, "BATCH42", ExtractBatchRef("PAYROLL BATCH 42 minggu ke-3"))
	assert.Equal(t, "BATCH7", ExtractBatchRef("payroll-7 honor mandor"))
	assert.Equal(t, "BATCH310", ExtractBatchRef("GIRO 310 pencairan"))
	assert.Equal(t, "", ExtractBatchRef("transfer biasa"))
	assert.Equal(t, "", ExtractBatchRef(""))
}
