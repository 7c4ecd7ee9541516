package reconcile

import (
	"regexp"
	"strings"
)

// Clearing channels detected from bank statement descriptions. The channel
// determines how long a payment may take to land, which bounds the date
// window of the direct matcher.
const (
	ChannelRTGS    = "RTGS"
	ChannelBIFast  = "BI_FAST"
	ChannelATM     = "ATM"
	ChannelCheck   = "CHECK"
	ChannelIntl    = "INT"
	ChannelUnknown = "UNKNOWN"
)

var channelMarkers = []struct {
	channel string
	needles []string
}{
	{ChannelRTGS, []string{"RTGS", "SKN", "KLIRING"}},
	{ChannelBIFast, []string{"BI-FAST", "BI FAST", "BIF"}},
	{ChannelATM, []string{"ATM", "TARIK TUNAI", "CDM"}},
	{ChannelCheck, []string{"CEK", "GIRO", "BG"}},
	{ChannelIntl, []string{"USD", "EUR", "SWIFT", "TT", "VALAS"}},
}

// DetectChannel classifies a bank row's clearing channel from its
// description.
func DetectChannel(description string) string {
	d := strings.ToUpper(description)
	for _, m := range channelMarkers {
		for _, needle := range m.needles {
			if strings.Contains(d, needle) {
				return m.channel
			}
		}
	}
	return ChannelUnknown
}

// ChannelWindowDays returns the clearing window for a channel. Unknown
// channels fall back to the project setting.
func ChannelWindowDays(channel string, defaultDays int) int {
	switch channel {
	case ChannelRTGS, ChannelBIFast:
		return 1
	case ChannelATM:
		return 2
	case ChannelCheck:
		return 7
	case ChannelIntl:
		return 14
	default:
		return defaultDays
	}
}

// invoicePatterns cover the reference prefixes seen in Indonesian and
// English payment memos. Order matters: the first hit wins.
var invoicePatterns = []*regexp.Regexp{
	regexp.MustCompile(`INV[-_#\s]*(\d{4,})`),
	regexp.MustCompile(`INVOICE[-_#\s]*(\d{4,})`),
	regexp.MustCompile(`NO[-_.\s]*(\d{4,})`),
	regexp.MustCompile(`REF[-_#\s]*(\d{4,})`),
	regexp.MustCompile(`TRF[-_#\s]*(\d{4,})`),
	regexp.MustCompile(`KWITANSI[-_#\s]*(\d{4,})`), // Indonesian receipt
	regexp.MustCompile(`SPK[-_#\s]*(\d{4,})`),      // Surat Perintah Kerja
	regexp.MustCompile(`PO[-_#\s]*(\d{4,})`),
}

// ExtractInvoiceRef pulls the most likely invoice or reference number out
// of a description, canonicalized to REF000123. Empty when nothing matches.
func ExtractInvoiceRef(text string) string {
	if text == "" {
		return ""
	}
	upper := strings.ToUpper(text)
	for _, p := range invoicePatterns {
		if m := p.FindStringSubmatch(upper); m != nil {
			ref := m[1]
			if pad := 6 - len(ref); pad > 0 {
				ref = strings.Repeat("0", pad) + ref
			}
			return "REF" + ref
		}
	}
	return ""
}

var batchPatterns = []*regexp.Regexp{
	regexp.MustCompile(`BATCH[-_#\s]*(\d+)`),
	regexp.MustCompile(`PAYROLL[-_#\s]*(\d+)`),
	regexp.MustCompile(`PAYMENT[-_#\s]*GROUP[-_#\s]*(\d+)`),
	regexp.MustCompile(`GIRO[-_#\s]*(\d+)`),
	regexp.MustCompile(`CEK[-_#\s]*(\d+)`),
}

// ExtractBatchRef detects a batch or group-payment identifier,
// canonicalized to BATCH<n>. Empty when nothing matches.
func ExtractBatchRef(description string) string {
	if description == "" {
		return ""
	}
	upper := strings.ToUpper(description)
	for _, p := range batchPatterns {
		if m := p.FindStringSubmatch(upper); m != nil {
			return "BATCH" + m[1]
		}
	}
	return ""
}
