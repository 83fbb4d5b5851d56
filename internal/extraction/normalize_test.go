package extraction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

func TestNormalizeDate(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"2024-03-01":           "2024-03-01",
		"2024-03-01T08:00:00Z": "2024-03-01",
		"March 1, 2024":        "2024-03-01",
		"Mar 1, 2024":          "2024-03-01",
		"Mar. 1, 2024":         "2024-03-01",
		"Sept. 5, 2024":        "2024-09-05",
		"September 5, 2024":    "2024-09-05",
		"1 March 2024":         "2024-03-01",
		"March 1st, 2024":      "2024-03-01",
		"05/03/2024":           "2024-03-05",
		"5/3/2024":             "2024-03-05",
		"as of June 30, 2024":  "2024-06-30",
		"As of 2024-06-30.":    "2024-06-30",
		"June 2024":            "2024-06-01",
	}
	for in, want := range cases {
		got := NormalizeDate(in)
		require.NotNil(t, got, in)
		require.Equal(t, want, *got, in)
	}

	require.Nil(t, NormalizeDate(""))
	require.Nil(t, NormalizeDate("as of"))
	require.Nil(t, NormalizeDate("next quarter"))
	require.Nil(t, NormalizeDate("31/02/2024"))
}

func TestNormalizeUnit(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"%":       "percent",
		"PCT":     "percent",
		"percent": "percent",
		"php":     "PHP",
		"₱":       "PHP",
		"MW":      "MW",
		"usd":     "USD",
		"$":       "USD",
		"bps":     "bps",
		"tonnes":  "tonnes",
	}
	for in, want := range cases {
		got := NormalizeUnit(in)
		require.NotNil(t, got, in)
		require.Equal(t, want, *got, in)
	}
	require.Nil(t, NormalizeUnit("  "))
}

func TestDedupeKeepsHigherConfidence(t *testing.T) {
	t.Parallel()

	date := "2024-03-01"
	other := "2024-04-01"
	points := []crawler.Datapoint{
		{IndicatorKey: "policy_rate", Value: 6.5, EffectiveDate: &date, Confidence: 0.7, Origin: crawler.OriginClassifier},
		{IndicatorKey: "inflation_rate", Value: 3.4, Confidence: 0.9},
		{IndicatorKey: "policy_rate", Value: 6.5, EffectiveDate: &date, Confidence: 0.95, Origin: crawler.OriginHeuristic},
		{IndicatorKey: "policy_rate", Value: 6.5, EffectiveDate: &other, Confidence: 0.5},
		{IndicatorKey: "inflation_rate", Value: 3.4, Confidence: 0.6},
	}
	out := Dedupe(points)
	require.Len(t, out, 3)
	require.Equal(t, crawler.OriginHeuristic, out[0].Origin)
	require.Equal(t, 0.95, out[0].Confidence)
	require.Equal(t, "inflation_rate", out[1].IndicatorKey)
	require.Equal(t, 0.9, out[1].Confidence)
	require.Equal(t, &other, out[2].EffectiveDate)
}
