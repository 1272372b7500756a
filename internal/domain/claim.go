package domain

import "github.com/shopspring/decimal"

// NarrativeClaim is a numeric assertion parsed out of generated text. Claims
// exist only while a narrative is being validated.
type NarrativeClaim struct {
	Key      string          `json:"key,omitempty"` // empty for a bare number outside a reference
	Asserted decimal.Decimal `json:"asserted"`
	Raw      string          `json:"raw"`
	Offset   int             `json:"offset"`
}

// Claim failure reasons.
const (
	ReasonUnknownKey      = "unknown_key"
	ReasonOutOfTolerance  = "out_of_tolerance"
	ReasonUngroundedValue = "ungrounded_value"
	ReasonMalformedValue  = "malformed_value"
	ReasonNotInteger      = "not_integer"
)

// ClaimFailure explains why one claim could not be verified.
type ClaimFailure struct {
	Claim    NarrativeClaim   `json:"claim"`
	Reason   string           `json:"reason"`
	Expected *decimal.Decimal `json:"expected,omitempty"`
}
