package extraction

import (
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"2/1/2006",
	"January 2006",
}

var (
	asOfPrefix    = regexp.MustCompile(`(?i)^\s*as\s+of\s+`)
	abbrevPeriod  = regexp.MustCompile(`\b([A-Za-z]{3,4})\.`)
	ordinalSuffix = regexp.MustCompile(`\b(\d{1,2})(st|nd|rd|th)\b`)
)

// NormalizeDate converts the supported date spellings to YYYY-MM-DD. Numeric
// slash dates are read day first. Unparseable input yields nil.
func NormalizeDate(raw string) *string {
	s := strings.TrimSpace(asOfPrefix.ReplaceAllString(raw, ""))
	s = strings.TrimRight(s, ".,;")
	if s == "" {
		return nil
	}
	s = abbrevPeriod.ReplaceAllString(s, "$1")
	s = ordinalSuffix.ReplaceAllString(s, "$1")
	s = strings.Join(strings.Fields(s), " ")
	if strings.HasPrefix(strings.ToLower(s), "sept ") {
		s = "Sep" + s[4:]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			out := t.Format("2006-01-02")
			return &out
		}
	}
	return nil
}

var unitAliases = map[string]string{
	"%":            "percent",
	"pct":          "percent",
	"percent":      "percent",
	"per cent":     "percent",
	"bps":          "bps",
	"bp":           "bps",
	"basis points": "bps",
	"php":          "PHP",
	"₱":            "PHP",
	"peso":         "PHP",
	"pesos":        "PHP",
	"usd":          "USD",
	"$":            "USD",
	"us$":          "USD",
	"mw":           "MW",
	"megawatt":     "MW",
	"megawatts":    "MW",
	"kwh":          "kWh",
	"php/kwh":      "PHP/kWh",
}

// NormalizeUnit maps unit spellings onto canonical units. Unknown units are
// kept as written; blank input yields nil.
func NormalizeUnit(raw string) *string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if canonical, ok := unitAliases[strings.ToLower(s)]; ok {
		return &canonical
	}
	return &s
}

// Dedupe keeps one datapoint per (indicator, value, effective date), preferring
// the higher confidence. The order of first appearance is preserved.
func Dedupe(points []crawler.Datapoint) []crawler.Datapoint {
	type key struct {
		indicator string
		value     float64
		date      string
	}
	index := make(map[key]int, len(points))
	out := make([]crawler.Datapoint, 0, len(points))
	for _, p := range points {
		k := key{indicator: p.IndicatorKey, value: p.Value}
		if p.EffectiveDate != nil {
			k.date = *p.EffectiveDate
		}
		if i, seen := index[k]; seen {
			if p.Confidence > out[i].Confidence {
				out[i] = p
			}
			continue
		}
		index[k] = len(out)
		out = append(out, p)
	}
	return out
}
