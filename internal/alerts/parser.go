// parser.go turns raw chat-room alert lines into structured Announcements.
//
// A parseable line has the form (whitespace flexible, tail fields optional):
//
//	<TICKER> < $<price>[c] - <headline> - Link ~ :flag_<cc>:
//	    [ | Float: <num>[k|M|B] ] [ | IO: <num>% ] [ | MC: <num>[k|M|B] ]
//	    [ | SI: <num>% ] [ | High CTB ] [ | Reg SHO ]
//
// A leading ↑ or ↗ arrow sets the direction tag. Unrecognized lines are
// dropped, not errors.
package alerts

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"newsflow-trader/pkg/types"
)

var (
	// Main segment: optional arrow, ticker, "< $price", headline, "- Link ~ :flag_cc:".
	lineRe = regexp.MustCompile(`^\s*(↑|↗)?\s*([A-Z]{2,5})\s*<\s*\$(\.?\d+(?:\.\d+)?)(c?)\s*-\s*(.*?)\s*-\s*Link\s*~\s*:flag_([a-z]{2}):`)

	tickerRe = regexp.MustCompile(`\b([A-Z]{2,5})\b`)
	priceRe  = regexp.MustCompile(`\$(\.?\d+(?:\.\d+)?)(c?)`)

	floatTailRe = regexp.MustCompile(`(?i)^Float:\s*([\d.]+)\s*([kMB]?)$`)
	ioTailRe    = regexp.MustCompile(`(?i)^IO:\s*([\d.]+)\s*%$`)
	mcTailRe    = regexp.MustCompile(`(?i)^MC:\s*([\d.]+)\s*([kMB]?)$`)
	siTailRe    = regexp.MustCompile(`(?i)^SI:\s*([\d.]+)\s*%$`)

	financingWords = []string{
		"offering", "financing", "dilution", "warrant", "atm program",
		"registered direct", "pricing of",
	}
)

// ParseLine parses one chat message into an Announcement. Returns false if
// the line does not match the alert grammar.
func ParseLine(content string, ts time.Time) (types.Announcement, bool) {
	// Tail fields are pipe-separated; the grammar segment is the first part.
	parts := strings.Split(content, "|")
	head := parts[0]

	m := lineRe.FindStringSubmatch(head)
	if m == nil {
		return types.Announcement{}, false
	}

	ann := types.Announcement{
		Ticker:         m[2],
		Timestamp:      ts.UTC(),
		PriceThreshold: parsePrice(m[3], m[4] == "c"),
		Headline:       m[5],
		Country:        strings.ToUpper(m[6]),
	}
	switch m[1] {
	case "↑":
		ann.Direction = types.DirectionUp
	case "↗":
		ann.Direction = types.DirectionUpRight
	}
	ann.FinancingHeadline = HasFinancingLanguage(ann.Headline)

	for _, raw := range parts[1:] {
		field := strings.TrimSpace(raw)
		switch {
		case floatTailRe.MatchString(field):
			fm := floatTailRe.FindStringSubmatch(field)
			ann.Float = scaleSuffix(fm[1], fm[2])
		case mcTailRe.MatchString(field):
			fm := mcTailRe.FindStringSubmatch(field)
			ann.MarketCap = scaleSuffix(fm[1], fm[2])
		case ioTailRe.MatchString(field):
			fm := ioTailRe.FindStringSubmatch(field)
			ann.InstOwnershipPct, _ = strconv.ParseFloat(fm[1], 64)
		case siTailRe.MatchString(field):
			fm := siTailRe.FindStringSubmatch(field)
			ann.ShortInterestPct, _ = strconv.ParseFloat(fm[1], 64)
		case strings.EqualFold(field, "High CTB"):
			ann.HighCTB = true
		case strings.EqualFold(field, "Reg SHO"):
			ann.RegSHO = true
		}
	}

	return ann, true
}

// ExtractTicker pulls the first 2–5 letter uppercase symbol out of free text.
func ExtractTicker(s string) (string, bool) {
	m := tickerRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractPrice pulls an optional dollar price out of free text like "< $.50c".
func ExtractPrice(s string) (float64, bool) {
	m := priceRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	return parsePrice(m[1], m[2] == "c"), true
}

// parsePrice converts the matched price text: "$.50c" → 0.50, "$4" → 4.00.
// A "c" suffix on a whole number means cents ("$50c" → 0.50); with an
// explicit decimal the value is already in dollars.
func parsePrice(num string, cents bool) float64 {
	val, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if cents && !strings.Contains(num, ".") {
		val /= 100
	}
	return val
}

func scaleSuffix(num, suffix string) float64 {
	val, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	switch suffix {
	case "k", "K":
		return val * 1e3
	case "M":
		return val * 1e6
	case "B":
		return val * 1e9
	}
	return val
}

// HasFinancingLanguage reports whether a headline reads like a dilutive
// financing event (offerings, warrants, ATM programs).
func HasFinancingLanguage(headline string) bool {
	lower := strings.ToLower(headline)
	for _, w := range financingWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
