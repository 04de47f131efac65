// Package evidence grounds claims produced by AI extraction tools in the
// exact bytes of the artifact they were extracted from. A claim carries a
// verbatim quote; the engine locates the quote byte-for-byte, records a
// hashed span so later drift is detectable, and assigns a deterministic ID
// so re-extraction is idempotent.
//
// Matching is exact by construction. A normalized comparison (NFC plus
// whitespace collapse) exists only as a diagnostic to explain failures; it
// never produces a span, because a span backed by normalized text could not
// be verified against the raw artifact bytes.
package evidence

import (
	"strconv"
	"time"

	"attest/internal/hashing"
)

// Status classifies the outcome of grounding a quote.
type Status string

const (
	// StatusResolved means the quote occurs exactly once.
	StatusResolved Status = "resolved"
	// StatusAmbiguous means the quote occurs more than once; the span
	// points at the lowest-offset occurrence.
	StatusAmbiguous Status = "ambiguous"
	// StatusUnresolved means no exact occurrence exists.
	StatusUnresolved Status = "unresolved"
)

// Method names how a resolution was (or wasn't) obtained.
type Method string

const (
	MethodExact          Method = "exact"
	MethodNone           Method = "none"
	MethodNormalizedHint Method = "normalized_hint"
)

// Reason explains a non-clean resolution.
type Reason string

const (
	ReasonNoMatch             Reason = "no_match"
	ReasonMultipleMatches     Reason = "multiple_matches"
	ReasonNormalizedMatchOnly Reason = "normalized_match_only"
)

// Resolution records how the engine arrived at (or failed to arrive at) a
// span. MatchRank is 1-indexed; the engine always selects rank 1, the
// lowest-offset occurrence, so repeated resolution is deterministic.
type Resolution struct {
	Method     Method `json:"method"`
	MatchCount int    `json:"match_count"`
	MatchRank  int    `json:"match_rank,omitempty"`
	Reason     Reason `json:"reason,omitempty"`
}

// Span is a byte range into a named artifact, with a hash of exactly those
// bytes. The hash is the drift detector: if the artifact changes under the
// span, recomputing it exposes the mismatch without any diffing.
type Span struct {
	Artifact       string `json:"artifact"`
	UTF8ByteOffset [2]int `json:"utf8_byte_offset"`
	SliceSHA256    string `json:"slice_sha256"`
	AnchorText     string `json:"anchor_text,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// Start returns the inclusive start byte offset.
func (s Span) Start() int { return s.UTF8ByteOffset[0] }

// End returns the exclusive end byte offset.
func (s Span) End() int { return s.UTF8ByteOffset[1] }

// Evidence is one grounded (or ungrounded) claim. Records are append-only;
// validation appends audit events rather than rewriting rows.
type Evidence struct {
	ID          string     `json:"id"`
	ContentID   string     `json:"content_id"`
	Claim       string     `json:"claim"`
	Quote       string     `json:"quote"`
	QuoteSHA256 string     `json:"quote_sha256"`
	Status      Status     `json:"status"`
	Resolution  Resolution `json:"resolution"`
	Span        *Span      `json:"span,omitempty"`
	Confidence  float64    `json:"confidence,omitempty"`
	Extractor   string     `json:"extractor"`
	TS          time.Time  `json:"ts"`
}

// NewID derives the deterministic evidence identifier. Unresolved evidence
// hashes (content_id, extractor, quote hash); resolved and ambiguous
// evidence additionally folds in the span offsets so the same quote at two
// different locations yields two distinct IDs.
func NewID(contentID, extractor, quoteSHA256 string, span *Span) string {
	parts := contentID + "\x00" + extractor + "\x00" + quoteSHA256
	if span != nil {
		parts += "\x00" + strconv.Itoa(span.Start()) + "\x00" + strconv.Itoa(span.End())
	}
	return hashing.ShortID([]byte(parts))
}
