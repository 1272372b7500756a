// Package grounding checks every number in a generated narrative against the
// stored metrics it claims to describe.
//
// Two kinds of claims are recognised:
//
//	[[disturbance_area_ha: 12,450]]   an inline reference naming a metric key
//	12,450 hectares                   a bare number outside any reference
//
// References are checked against the named key only. Bare numbers are
// checked against the keys implied by the unit words that follow them
// ("hectares", "% increase", "events") or, with no recognisable unit,
// against every fact. ISO dates are not claims.
package grounding

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	referencePattern = regexp.MustCompile(`\[\[\s*([a-z0-9_]+)\s*:\s*([^\]]*?)\s*\]\]`)
	numberPattern    = regexp.MustCompile(`[-+]?\d{1,3}(?:,\d{3})+(?:\.\d+)?|[-+]?\d+(?:\.\d+)?`)
	isoDatePattern   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)?`)
)

// claim is a parsed number plus the keys it may stand for. Candidates is
// nil when any fact may match.
type claim struct {
	domain.NarrativeClaim
	reference  bool
	candidates []string
}

// parse extracts every claim from text. Malformed reference values are
// returned as failures instead of claims.
func parse(text string) ([]claim, []domain.ClaimFailure) {
	var (
		claims   []claim
		failures []domain.ClaimFailure
	)

	masked := []byte(text)
	for _, loc := range referencePattern.FindAllStringSubmatchIndex(text, -1) {
		raw := text[loc[0]:loc[1]]
		key := text[loc[2]:loc[3]]
		value := text[loc[4]:loc[5]]
		blank(masked, loc[0], loc[1])

		nc := domain.NarrativeClaim{Key: key, Raw: raw, Offset: loc[0]}
		asserted, ok := parseValue(value)
		if !ok {
			failures = append(failures, domain.ClaimFailure{Claim: nc, Reason: domain.ReasonMalformedValue})
			continue
		}
		nc.Asserted = asserted
		claims = append(claims, claim{NarrativeClaim: nc, reference: true, candidates: []string{key}})
	}

	for _, loc := range isoDatePattern.FindAllIndex(masked, -1) {
		blank(masked, loc[0], loc[1])
	}

	rest := string(masked)
	for _, loc := range numberPattern.FindAllStringIndex(rest, -1) {
		start, end := loc[0], loc[1]
		token := rest[start:end]
		if token[0] == '-' || token[0] == '+' {
			// A sign only counts at a word boundary; "2020-2024" is a range.
			if start > 0 && !atBoundary(rest[:start]) {
				start++
				token = token[1:]
			}
		}
		if attachedToWord(rest, start, end) {
			continue
		}
		asserted, err := decimal.NewFromString(strings.ReplaceAll(token, ",", ""))
		if err != nil {
			continue
		}
		candidates, negate := inferKeys(rest[end:])
		if negate {
			asserted = asserted.Neg()
		}
		nc := domain.NarrativeClaim{Asserted: asserted, Raw: text[start:end], Offset: start}
		if len(candidates) == 1 {
			nc.Key = candidates[0]
		}
		claims = append(claims, claim{NarrativeClaim: nc, candidates: candidates})
	}
	return claims, failures
}

// parseValue reads the number inside a reference value, ignoring a trailing
// percent sign, unit words, and thousands separators.
func parseValue(value string) (decimal.Decimal, bool) {
	matches := numberPattern.FindAllString(value, -1)
	if len(matches) != 1 {
		return decimal.Decimal{}, false
	}
	rest := strings.TrimSpace(strings.Replace(value, matches[0], "", 1))
	for _, r := range rest {
		if unicode.IsDigit(r) {
			return decimal.Decimal{}, false
		}
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(matches[0], ",", ""))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// attachedToWord reports whether the number is glued to letters on either
// side, as in "Q3", "3rd" or "m2".
func attachedToWord(s string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:start])
		if unicode.IsLetter(r) || r == '_' || unicode.IsDigit(r) || r == '.' {
			return true
		}
	}
	if end < len(s) {
		r, _ := utf8.DecodeRuneInString(s[end:])
		if unicode.IsLetter(r) || r == '_' {
			return true
		}
	}
	return false
}

func atBoundary(prefix string) bool {
	r, _ := utf8.DecodeLastRuneInString(prefix)
	return unicode.IsSpace(r) || strings.ContainsRune("([", r)
}

var (
	areaHaKeys    = []string{domain.MetricDisturbanceAreaHa, domain.MetricBaselineCoverHa}
	areaM2Keys    = []string{domain.MetricDisturbanceAreaM2}
	eventKeys     = []string{domain.MetricEventCount, domain.MetricEventsLow, domain.MetricEventsHigh, domain.MetricEventsHighest, domain.MetricEventsConfirmed}
	recordKeys    = []string{domain.MetricRecordCount}
	percentKeys   = []string{domain.MetricPercentageIncrease, domain.MetricPercentOfBaseline}
	changeWords   = []string{"increase", "rise", "growth", "more", "higher", "change", "jump"}
	declineWords  = []string{"decrease", "decline", "drop", "fall", "reduction", "less", "lower"}
	baselineWords = []string{"baseline", "cover", "forest"}
	haUnits       = []string{"hectares", "hectare", "ha"}
	m2Units       = []string{"m²", "m2", "square metres", "square meters"}
	eventUnits    = []string{"events", "event"}
	recordUnits   = []string{"records", "record", "alerts", "alert", "detections", "detection"}
)

// lookaheadWords is how far past a percent sign the unit words are read.
const lookaheadWords = 4

// inferKeys maps the words right after a bare number to the metric keys it
// may represent. negate is set for a percentage described as a decrease.
func inferKeys(after string) (candidates []string, negate bool) {
	trimmed := strings.TrimLeft(after, " \t\u00a0")
	if strings.HasPrefix(trimmed, "%") {
		words := leadingWords(strings.ToLower(trimmed[1:]), lookaheadWords)
		switch {
		case containsAny(words, declineWords):
			return []string{domain.MetricPercentageIncrease}, true
		case containsAny(words, changeWords):
			return []string{domain.MetricPercentageIncrease}, false
		case containsAny(words, baselineWords):
			return []string{domain.MetricPercentOfBaseline}, false
		default:
			return percentKeys, false
		}
	}

	lower := strings.ToLower(trimmed)
	switch {
	case hasUnitPrefix(lower, m2Units):
		return areaM2Keys, false
	case hasUnitPrefix(lower, haUnits):
		return areaHaKeys, false
	case hasUnitPrefix(lower, eventUnits):
		return eventKeys, false
	case hasUnitPrefix(lower, recordUnits):
		return recordKeys, false
	}
	// "12 confirmed events", "3 highest-confidence events"
	words := leadingWords(lower, 3)
	if containsAny(words, eventUnits) {
		return eventKeys, false
	}
	if containsAny(words, recordUnits) {
		return recordKeys, false
	}
	return nil, false
}

func hasUnitPrefix(s string, units []string) bool {
	for _, u := range units {
		if !strings.HasPrefix(s, u) {
			continue
		}
		r, _ := utf8.DecodeRuneInString(s[len(u):])
		if len(s) == len(u) || !unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// leadingWords returns up to n words of s, stopping at the next number.
func leadingWords(s string, n int) []string {
	if i := strings.IndexFunc(s, unicode.IsDigit); i >= 0 {
		s = s[:i]
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(fields) > n {
		fields = fields[:n]
	}
	return fields
}

func containsAny(words, targets []string) bool {
	for _, w := range words {
		for _, t := range targets {
			if w == t {
				return true
			}
		}
	}
	return false
}

// blank overwrites b[from:to] with spaces so offsets in the remaining text
// stay aligned with the original.
func blank(b []byte, from, to int) {
	for i := from; i < to; i++ {
		b[i] = ' '
	}
}
