package caea

import (
	"regexp"
	"time"

	"github.com/SigmaCloudServices/AFRelay/pkg/clock"
)

// DeferredRetryCode is the AFIP error code meaning "the CAEA window for
// this period is not yet open" (spec.md §4.3.4).
const DeferredRetryCode = 15006

var delPattern = regexp.MustCompile(`Del\s+(\d{2})/(\d{2})/(\d{4})`)

// parseDel extracts the "Del DD/MM/YYYY" date AFIP embeds in a 15006
// error message and returns the corresponding retry instant: 00:05
// Argentina-local time on that date, converted to UTC.
//
// Kept isolated as a single pure function per spec.md §9's warning that
// this parser is anchored to a Spanish date format substring and may need
// replacing if AFIP's message locale changes.
func parseDel(msg string) (time.Time, bool) {
	m := delPattern.FindStringSubmatch(msg)
	if m == nil {
		return time.Time{}, false
	}

	day, month, year := m[1], m[2], m[3]
	local, err := time.ParseInLocation("02/01/2006 15:04", day+"/"+month+"/"+year+" 00:05", clock.ArgentinaLocation)
	if err != nil {
		return time.Time{}, false
	}
	return local.UTC(), true
}

// findDeferredRetry scans a set of AFIP errors for the first 15006 code
// and returns its parsed retry instant.
func findDeferredRetry(errs []AFIPError) (time.Time, bool) {
	for _, e := range errs {
		if e.Code == DeferredRetryCode {
			if t, ok := parseDel(e.Msg); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
