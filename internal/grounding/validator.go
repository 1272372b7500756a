package grounding

import (
	"sort"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultFloatTolerance is the relative tolerance for non-integer facts.
const DefaultFloatTolerance = 0.005

// Result is the outcome of validating one narrative.
type Result struct {
	Claims   []domain.NarrativeClaim `json:"claims"`
	Failures []domain.ClaimFailure   `json:"failures,omitempty"`
}

// OK reports whether every claim was verified.
func (r Result) OK() bool { return len(r.Failures) == 0 }

// Validator compares narrative claims with authoritative facts.
type Validator struct {
	tolerance decimal.Decimal
}

// NewValidator returns a Validator using the given relative tolerance for
// float facts. Non-positive values fall back to DefaultFloatTolerance.
func NewValidator(tolerance float64) *Validator {
	if tolerance <= 0 {
		tolerance = DefaultFloatTolerance
	}
	return &Validator{tolerance: decimal.NewFromFloat(tolerance)}
}

// Validate extracts every claim from text and checks it against facts. A
// single failing claim rejects the narrative.
func (v *Validator) Validate(text string, facts map[string]domain.Fact) Result {
	claims, failures := parse(text)

	res := Result{Failures: failures}
	for _, c := range claims {
		res.Claims = append(res.Claims, c.NarrativeClaim)
		if f := v.check(c, facts); f != nil {
			res.Failures = append(res.Failures, *f)
		}
	}
	sort.SliceStable(res.Failures, func(i, j int) bool {
		return res.Failures[i].Claim.Offset < res.Failures[j].Claim.Offset
	})
	return res
}

func (v *Validator) check(c claim, facts map[string]domain.Fact) *domain.ClaimFailure {
	if c.reference {
		fact, ok := facts[c.Key]
		if !ok {
			return &domain.ClaimFailure{Claim: c.NarrativeClaim, Reason: domain.ReasonUnknownKey}
		}
		if reason := v.compare(fact, c.Asserted); reason != "" {
			expected := fact.Value
			return &domain.ClaimFailure{Claim: c.NarrativeClaim, Reason: reason, Expected: &expected}
		}
		return nil
	}

	keys := c.candidates
	if keys == nil {
		keys = sortedKeys(facts)
	}
	for _, k := range keys {
		if fact, ok := facts[k]; ok && v.compare(fact, c.Asserted) == "" {
			return nil
		}
	}

	failure := &domain.ClaimFailure{Claim: c.NarrativeClaim, Reason: domain.ReasonUngroundedValue}
	if len(keys) == 1 {
		if fact, ok := facts[keys[0]]; ok {
			expected := fact.Value
			failure.Reason = v.compare(fact, c.Asserted)
			failure.Expected = &expected
		}
	}
	return failure
}

// compare returns "" on a match, otherwise the failure reason.
func (v *Validator) compare(fact domain.Fact, asserted decimal.Decimal) string {
	if fact.Integer {
		if !asserted.IsInteger() {
			return domain.ReasonNotInteger
		}
		if !asserted.Equal(fact.Value) {
			return domain.ReasonOutOfTolerance
		}
		return ""
	}
	if fact.Value.IsZero() {
		if asserted.IsZero() {
			return ""
		}
		return domain.ReasonOutOfTolerance
	}
	diff := asserted.Sub(fact.Value).Abs()
	if diff.GreaterThan(fact.Value.Abs().Mul(v.tolerance)) {
		return domain.ReasonOutOfTolerance
	}
	return ""
}

func sortedKeys(facts map[string]domain.Fact) []string {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
