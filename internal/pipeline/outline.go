package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/corpusqa/corpusqa/internal/providers"
)

// Section formats.
const (
	FormatSynthesis = "synthesis"
	FormatList      = "list"
)

// QuoteHandle addresses one quote: the paper's reference number and the
// quote's index within that paper's set.
type QuoteHandle struct {
	RefNumber  int `json:"ref"`
	QuoteIndex int `json:"index"`
}

// SectionPlan is one planned report section.
type SectionPlan struct {
	Name   string        `json:"name"`
	Format string        `json:"format"`
	Quotes []QuoteHandle `json:"quotes"`
}

// Outline is the ordered section plan for the report.
type Outline []SectionPlan

var outlineSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"cot": {"type": "string"},
		"sections": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"format": {"type": "string", "enum": ["synthesis", "list"]},
					"quotes": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["name", "format", "quotes"]
			}
		}
	},
	"required": ["sections"]
}`)

type outlineWire struct {
	Cot      string `json:"cot"`
	Sections []struct {
		Name   string   `json:"name"`
		Format string   `json:"format"`
		Quotes []string `json:"quotes"`
	} `json:"sections"`
}

// PlanOutline asks the model to organize quotes into sections, then
// validates the result. Schema failure degrades to a one-section plan
// holding every quote.
func (e *Engine) PlanOutline(ctx context.Context, query string, sets []QuoteSet) (Outline, []string) {
	res, err := e.llm.Chat(ctx, &providers.ChatRequest{
		Messages: providers.SystemUser(outlineSystemPrompt,
			fmt.Sprintf(outlineUserPrompt, query, formatQuotesForPlanning(sets))),
		Temperature:    e.cfg.Temperature,
		MaxTokens:      e.cfg.MaxTokens,
		ResponseFormat: &providers.ResponseFormat{Type: "json_schema", JSONSchema: outlineSchema},
	})
	if err != nil {
		e.logger.Warn("outline planning failed, using single-section plan", "error", err)
		return degradedOutline(sets), []string{fmt.Sprintf("outline planning failed: %v", err)}
	}

	var wire outlineWire
	if err := json.Unmarshal(res.ParsedJSON, &wire); err != nil || len(wire.Sections) == 0 {
		e.logger.Warn("outline output unusable, using single-section plan", "error", err)
		return degradedOutline(sets), []string{"outline planning produced no usable sections"}
	}

	return e.validateOutline(wire, sets)
}

// validateOutline enforces the plan invariants: handles resolve, section
// names are unique, empty sections are removed, and quotes the plan never
// placed are reported.
func (e *Engine) validateOutline(wire outlineWire, sets []QuoteSet) (Outline, []string) {
	valid := make(map[QuoteHandle]bool)
	for _, set := range sets {
		for _, q := range set.Quotes {
			valid[QuoteHandle{RefNumber: set.RefNumber, QuoteIndex: q.Index}] = true
		}
	}

	var warnings []string
	placed := make(map[QuoteHandle]bool)
	usedNames := make(map[string]int)
	outline := make(Outline, 0, len(wire.Sections))

	for _, sec := range wire.Sections {
		name := strings.TrimSpace(sec.Name)
		if name == "" {
			name = "Untitled"
		}
		usedNames[name]++
		if n := usedNames[name]; n > 1 {
			name = fmt.Sprintf("%s (%d)", name, n)
		}

		format := sec.Format
		if format != FormatSynthesis && format != FormatList {
			format = FormatSynthesis
		}

		var handles []QuoteHandle
		for _, label := range sec.Quotes {
			handle, err := parseQuoteLabel(label)
			if err != nil || !valid[handle] {
				warnings = append(warnings, fmt.Sprintf("section %q references unknown quote %q, dropped", name, label))
				continue
			}
			if placed[handle] {
				continue
			}
			placed[handle] = true
			handles = append(handles, handle)
		}
		if len(handles) == 0 {
			warnings = append(warnings, fmt.Sprintf("section %q had no resolvable quotes, removed", name))
			continue
		}
		outline = append(outline, SectionPlan{Name: name, Format: format, Quotes: handles})
	}

	unplaced := 0
	for handle := range valid {
		if !placed[handle] {
			unplaced++
		}
	}
	if unplaced > 0 {
		warnings = append(warnings, fmt.Sprintf("%d quotes were not placed in any section", unplaced))
	}

	if len(outline) == 0 {
		warnings = append(warnings, "outline validation removed every section, using single-section plan")
		return degradedOutline(sets), warnings
	}
	return outline, warnings
}

// degradedOutline puts every quote into one synthesis section.
func degradedOutline(sets []QuoteSet) Outline {
	var handles []QuoteHandle
	for _, set := range sets {
		for _, q := range set.Quotes {
			handles = append(handles, QuoteHandle{RefNumber: set.RefNumber, QuoteIndex: q.Index})
		}
	}
	return Outline{{Name: "Summary", Format: FormatSynthesis, Quotes: handles}}
}

// formatQuotesForPlanning renders quotes as "[ref.index] text" lines with
// their paper's reference string as a group header.
func formatQuotesForPlanning(sets []QuoteSet) string {
	var b strings.Builder
	for _, set := range sets {
		fmt.Fprintf(&b, "Paper %s:\n", set.ReferenceString)
		for _, q := range set.Quotes {
			fmt.Fprintf(&b, "[%d.%d] %s\n", set.RefNumber, q.Index, q.Text)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseQuoteLabel parses "ref.index", tolerating surrounding brackets.
func parseQuoteLabel(label string) (QuoteHandle, error) {
	label = strings.Trim(strings.TrimSpace(label), "[]")
	ref, idx, ok := strings.Cut(label, ".")
	if !ok {
		return QuoteHandle{}, fmt.Errorf("malformed quote label %q", label)
	}
	refNum, err := strconv.Atoi(strings.TrimSpace(ref))
	if err != nil {
		return QuoteHandle{}, fmt.Errorf("malformed quote label %q", label)
	}
	idxNum, err := strconv.Atoi(strings.TrimSpace(idx))
	if err != nil {
		return QuoteHandle{}, fmt.Errorf("malformed quote label %q", label)
	}
	return QuoteHandle{RefNumber: refNum, QuoteIndex: idxNum}, nil
}
