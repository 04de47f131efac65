package evidence

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"attest/internal/hashing"
)

const anchorWindow = 80

// MatchResult is the outcome of locating a quote inside artifact text.
type MatchResult struct {
	Status     Status
	Resolution Resolution
	Span       *Span
}

// FindQuote locates every exact byte-for-byte occurrence of quote in text
// and builds the span for the lowest-offset one.
//
// Zero occurrences is unresolved; as a diagnostic the normalized forms of
// both sides are compared (NFC, whitespace collapsed, case preserved), and
// a hit there sets reason normalized_match_only without ever producing a
// span. One occurrence is resolved. Several occurrences is ambiguous, with
// the first occurrence selected so the result never varies across runs.
func FindQuote(artifact, text, quote string) MatchResult {
	if quote == "" {
		return MatchResult{
			Status:     StatusUnresolved,
			Resolution: Resolution{Method: MethodNone, Reason: ReasonNoMatch},
		}
	}

	offsets := allOccurrences(text, quote)
	switch len(offsets) {
	case 0:
		res := Resolution{Method: MethodNone, Reason: ReasonNoMatch}
		if normalizedContains(text, quote) {
			res.Method = MethodNormalizedHint
			res.Reason = ReasonNormalizedMatchOnly
		}
		return MatchResult{Status: StatusUnresolved, Resolution: res}
	case 1:
		span := buildSpan(artifact, text, offsets[0], len(quote))
		return MatchResult{
			Status:     StatusResolved,
			Resolution: Resolution{Method: MethodExact, MatchCount: 1, MatchRank: 1},
			Span:       &span,
		}
	default:
		span := buildSpan(artifact, text, offsets[0], len(quote))
		return MatchResult{
			Status: StatusAmbiguous,
			Resolution: Resolution{
				Method:     MethodExact,
				MatchCount: len(offsets),
				MatchRank:  1,
				Reason:     ReasonMultipleMatches,
			},
			Span: &span,
		}
	}
}

// allOccurrences returns the start offset of every match in ascending order.
// The search advances one byte past each hit, so self-overlapping quotes are
// counted at every position they occur.
func allOccurrences(text, quote string) []int {
	var offsets []int
	from := 0
	for {
		i := strings.Index(text[from:], quote)
		if i < 0 {
			return offsets
		}
		offsets = append(offsets, from+i)
		from += i + 1
	}
}

func buildSpan(artifact, text string, start, length int) Span {
	end := start + length
	return Span{
		Artifact:       artifact,
		UTF8ByteOffset: [2]int{start, end},
		SliceSHA256:    hashing.Digest([]byte(text[start:end])),
		AnchorText:     anchorText(text, start, end),
		Timestamp:      precedingTimestamp(text, start),
	}
}

// anchorText returns a window of roughly anchorWindow characters centered
// on the match, clipped to rune boundaries, with ellipses marking truncated
// edges. It exists for human display only and plays no part in matching.
func anchorText(text string, start, end int) string {
	pad := (anchorWindow - (end - start)) / 2
	if pad < 0 {
		pad = 0
	}

	lo := start - pad
	if lo < 0 {
		lo = 0
	}
	hi := end + pad
	if hi > len(text) {
		hi = len(text)
	}
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}

	window := text[lo:hi]
	if lo > 0 {
		window = "…" + window
	}
	if hi < len(text) {
		window += "…"
	}
	return window
}

var timestampRe = regexp.MustCompile(`\[(\d{1,2}:)?\d{1,2}:\d{2}\]`)

// precedingTimestamp scans backward from the match start for the nearest
// [H:MM:SS] or [MM:SS] token, common in transcript artifacts.
func precedingTimestamp(text string, start int) string {
	matches := timestampRe.FindAllString(text[:start], -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

// Normalize produces the comparison form used by the diagnostic hint: NFC
// followed by whitespace collapse. Case is preserved.
func Normalize(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

func normalizedContains(text, quote string) bool {
	nq := Normalize(quote)
	if nq == "" {
		return false
	}
	return strings.Contains(Normalize(text), nq)
}

// QuoteHash returns the stored hash of a quote's exact bytes.
func QuoteHash(quote string) string {
	return hashing.Digest([]byte(quote))
}

// OffsetToLineCol converts a byte offset into 1-indexed line and column for
// editor navigation. The column counts bytes since the last newline, which
// is what most editors' goto-position flags expect.
func OffsetToLineCol(text string, offset int) (line, col int) {
	if offset > len(text) {
		offset = len(text)
	}
	line = 1 + strings.Count(text[:offset], "\n")
	lastNL := strings.LastIndexByte(text[:offset], '\n')
	col = offset - lastNL
	return line, col
}
