package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/corpusqa/corpusqa/internal/corpus"
)

// Citation links an inline marker to its paper.
type Citation struct {
	ID              string             `json:"id"`
	RefNumber       int                `json:"ref_number"`
	CorpusID        int64              `json:"corpus_id"`
	Paper           corpus.PaperRecord `json:"paper"`
	ReferenceString string             `json:"reference_string"`
}

var (
	citationMarkerRe = regexp.MustCompile(`\[(\d+)\]`)
	bracketSpanRe    = regexp.MustCompile(`\[[^\]]*\]`)
)

// resolveCitations keeps inline [N] markers whose reference numbers are
// known and strips the rest. Returns the cleaned text, the cited papers
// in ascending reference order, and warnings for stripped markers.
func resolveCitations(text string, known map[int]Citation) (string, []Citation, []string) {
	var warnings []string
	cited := make(map[int]Citation)

	clean := citationMarkerRe.ReplaceAllStringFunc(text, func(marker string) string {
		num, err := strconv.Atoi(strings.Trim(marker, "[]"))
		if err != nil {
			return marker
		}
		citation, ok := known[num]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("stripped unresolved citation marker %s", marker))
			return ""
		}
		cited[num] = citation
		return marker
	})

	refs := make([]int, 0, len(cited))
	for num := range cited {
		refs = append(refs, num)
	}
	sort.Ints(refs)
	citations := make([]Citation, 0, len(refs))
	for _, num := range refs {
		citations = append(citations, cited[num])
	}

	return clean, citations, warnings
}

// stripBracketedSpans removes every [...] span. Prior-section context is
// passed to the model without markers so it does not imitate stale
// reference numbers.
func stripBracketedSpans(text string) string {
	return bracketSpanRe.ReplaceAllString(text, "")
}
