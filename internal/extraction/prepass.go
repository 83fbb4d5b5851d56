package extraction

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	ahocorasick "github.com/cloudflare/ahocorasick"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

// HeuristicConfidence is assigned to every pre-pass datapoint.
const HeuristicConfidence = 0.95

// DefaultPrepassWindow is how many bytes after a label are searched for a percentage.
const DefaultPrepassWindow = 120

// DefaultLabels maps label phrases to indicator keys.
var DefaultLabels = map[string]string{
	"inflation rate":       "inflation_rate",
	"headline inflation":   "inflation_rate",
	"core inflation":       "core_inflation_rate",
	"policy rate":          "policy_rate",
	"policy interest rate": "policy_rate",
	"reserve requirement":  "reserve_requirement_ratio",
	"unemployment rate":    "unemployment_rate",
	"gdp growth":           "gdp_growth",
}

var (
	percentValue = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*%`)
	asOfDate     = regexp.MustCompile(`as of\s+(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4}|\d{1,2}\s+[a-z]{3,9}\.?\s+\d{4}|[a-z]{3,9}\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}|[a-z]{3,9}\s+\d{4})`)
)

type label struct {
	phrase    string
	indicator string
}

// Prepass finds labelled percentages in text without calling the classifier.
type Prepass struct {
	labels  []label
	matcher *ahocorasick.Matcher
	window  int
}

// NewPrepass builds the matcher. Empty labels use DefaultLabels.
func NewPrepass(labels map[string]string, window int) *Prepass {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	if window <= 0 {
		window = DefaultPrepassWindow
	}
	p := &Prepass{window: window}
	phrases := make([]string, 0, len(labels))
	for phrase, indicator := range labels {
		phrase = strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
		if phrase == "" || indicator == "" {
			continue
		}
		p.labels = append(p.labels, label{phrase: phrase, indicator: indicator})
	}
	sort.Slice(p.labels, func(i, j int) bool { return p.labels[i].phrase < p.labels[j].phrase })
	for _, l := range p.labels {
		phrases = append(phrases, l.phrase)
	}
	if len(phrases) > 0 {
		p.matcher = ahocorasick.NewStringMatcher(phrases)
	}
	return p
}

type positioned struct {
	pos   int
	point crawler.Datapoint
}

// Scan returns one datapoint per label occurrence followed by a percentage,
// in text order. Document IDs and record IDs are left for the caller.
func (p *Prepass) Scan(text string) []crawler.Datapoint {
	if p.matcher == nil || text == "" {
		return nil
	}
	lower := strings.ToLower(strings.Join(strings.Fields(text), " "))
	hits := p.matcher.Match([]byte(lower))
	if len(hits) == 0 {
		return nil
	}

	matched := make([]label, 0, len(hits))
	for _, idx := range hits {
		if idx >= 0 && idx < len(p.labels) {
			matched = append(matched, p.labels[idx])
		}
	}
	// Longer phrases claim their span first so "core inflation rate" is not also read as "inflation rate".
	sort.Slice(matched, func(i, j int) bool {
		if len(matched[i].phrase) != len(matched[j].phrase) {
			return len(matched[i].phrase) > len(matched[j].phrase)
		}
		return matched[i].phrase < matched[j].phrase
	})

	var (
		found   []positioned
		claimed [][2]int
	)
	for _, l := range matched {
		for offset := 0; ; {
			i := strings.Index(lower[offset:], l.phrase)
			if i < 0 {
				break
			}
			pos := offset + i
			end := pos + len(l.phrase)
			offset = end
			if overlaps(claimed, pos, end) {
				continue
			}
			claimed = append(claimed, [2]int{pos, end})
			if point, ok := p.extractAt(lower, end, l.indicator); ok {
				found = append(found, positioned{pos: pos, point: point})
			}
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })

	out := make([]crawler.Datapoint, 0, len(found))
	for _, f := range found {
		out = append(out, f.point)
	}
	return Dedupe(out)
}

func (p *Prepass) extractAt(lower string, end int, indicator string) (crawler.Datapoint, bool) {
	windowEnd := min(len(lower), end+p.window)
	segment := lower[end:windowEnd]
	m := percentValue.FindStringSubmatch(segment)
	if m == nil {
		return crawler.Datapoint{}, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return crawler.Datapoint{}, false
	}
	unit := "percent"
	point := crawler.Datapoint{
		IndicatorKey: indicator,
		Value:        value,
		Unit:         &unit,
		Confidence:   HeuristicConfidence,
		Origin:       crawler.OriginHeuristic,
	}
	if d := asOfDate.FindStringSubmatch(segment); d != nil {
		point.EffectiveDate = NormalizeDate(d[1])
	}
	return point, true
}

func overlaps(spans [][2]int, start, end int) bool {
	for _, s := range spans {
		if start < s[1] && s[0] < end {
			return true
		}
	}
	return false
}
