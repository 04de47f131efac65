package evidence

import (
	"encoding/json"
	"fmt"
	"time"
)

// Claim is one claim+quote pair emitted by an extraction tool. Extractors
// produce a JSON array of these on stdout.
type Claim struct {
	Claim      string  `json:"claim"`
	Quote      string  `json:"quote"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ParseClaims decodes extractor output. A bare array is the canonical form;
// an object wrapping the array under "claims" is accepted because several
// extraction prompts produce that shape.
func ParseClaims(data []byte) ([]Claim, error) {
	var claims []Claim
	if err := json.Unmarshal(data, &claims); err == nil {
		return claims, nil
	}

	var wrapped struct {
		Claims []Claim `json:"claims"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil || wrapped.Claims == nil {
		return nil, fmt.Errorf("extractor output is not a claim array")
	}
	return wrapped.Claims, nil
}

// Resolve grounds each claim against the artifact text and builds the
// evidence records. Unresolved and ambiguous outcomes are recorded, never
// dropped; they carry a reason instead of a clean span.
func Resolve(contentID, artifact, text, extractor string, claims []Claim) []Evidence {
	now := time.Now().UTC()
	records := make([]Evidence, 0, len(claims))
	for _, c := range claims {
		match := FindQuote(artifact, text, c.Quote)
		qh := QuoteHash(c.Quote)
		records = append(records, Evidence{
			ID:          NewID(contentID, extractor, qh, match.Span),
			ContentID:   contentID,
			Claim:       c.Claim,
			Quote:       c.Quote,
			QuoteSHA256: qh,
			Status:      match.Status,
			Resolution:  match.Resolution,
			Span:        match.Span,
			Confidence:  c.Confidence,
			Extractor:   extractor,
			TS:          now,
		})
	}
	return records
}
