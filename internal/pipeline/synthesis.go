package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/corpusqa/corpusqa/internal/paperfinder"
	"github.com/corpusqa/corpusqa/internal/providers"
	"github.com/corpusqa/corpusqa/internal/table"
)

// GeneratedSection is one written report section.
type GeneratedSection struct {
	Title     string       `json:"title"`
	TLDR      string       `json:"tldr,omitempty"`
	Format    string       `json:"format"`
	Text      string       `json:"text"`
	Citations []Citation   `json:"citations,omitempty"`
	Table     *table.Table `json:"table,omitempty"`
}

// Synthesize writes the sections strictly in outline order, carrying a
// bounded window of prior text as context. A section whose model call
// fails gets deterministic fallback text instead of failing the task.
func (e *Engine) Synthesize(ctx context.Context, query string, outline Outline, sets []QuoteSet, papers []paperfinder.PaperAggregate) ([]GeneratedSection, []string) {
	quoteByHandle := make(map[QuoteHandle]Quote)
	setByRef := make(map[int]QuoteSet)
	for _, set := range sets {
		setByRef[set.RefNumber] = set
		for _, q := range set.Quotes {
			quoteByHandle[QuoteHandle{RefNumber: set.RefNumber, QuoteIndex: q.Index}] = q
		}
	}
	byRef := make(map[int]Citation)
	for _, p := range papers {
		byRef[p.RefNumber] = Citation{
			ID:              strconv.FormatInt(p.CorpusID, 10),
			RefNumber:       p.RefNumber,
			CorpusID:        p.CorpusID,
			Paper:           p.Paper,
			ReferenceString: p.ReferenceString,
		}
	}

	var (
		sections []GeneratedSection
		warnings []string
		prior    strings.Builder
	)
	for _, plan := range outline {
		if err := ctx.Err(); err != nil {
			warnings = append(warnings, fmt.Sprintf("synthesis stopped: %v", err))
			break
		}

		evidence := formatSectionEvidence(plan, quoteByHandle, setByRef)
		text, err := e.writeSection(ctx, query, plan, evidence, priorWindow(prior.String(), e.cfg.ContextCarryChars))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("section %q failed, using fallback text: %v", plan.Name, err))
			text = fallbackSectionText(plan, quoteByHandle, setByRef)
		}

		tldr, body := splitTLDR(text)
		// A marker may only cite papers whose quotes were assigned to
		// this section; anything else is stripped as unresolved.
		known := make(map[int]Citation)
		for _, h := range plan.Quotes {
			if c, ok := byRef[h.RefNumber]; ok {
				known[h.RefNumber] = c
			}
		}
		clean, citations, citeWarnings := resolveCitations(body, known)
		warnings = append(warnings, citeWarnings...)

		sections = append(sections, GeneratedSection{
			Title:     plan.Name,
			TLDR:      tldr,
			Format:    plan.Format,
			Text:      strings.TrimSpace(clean),
			Citations: citations,
		})

		prior.WriteString("## " + plan.Name + "\n")
		prior.WriteString(stripBracketedSpans(clean))
		prior.WriteString("\n\n")
	}

	e.logger.Info("synthesis complete", "sections", len(sections), "warnings", len(warnings))
	return sections, warnings
}

func (e *Engine) writeSection(ctx context.Context, query string, plan SectionPlan, evidence, prior string) (string, error) {
	listInstr := ""
	if plan.Format == FormatList {
		listInstr = synthesisListInstruction
	}
	priorBlock := ""
	if prior != "" {
		priorBlock = fmt.Sprintf(synthesisPriorContext, prior)
	}

	res, err := e.llm.Chat(ctx, &providers.ChatRequest{
		Messages: providers.SystemUser(synthesisSystemPrompt,
			fmt.Sprintf(synthesisUserPrompt, query, plan.Name, evidence, priorBlock, listInstr)),
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// formatSectionEvidence renders the section's quotes labeled with their
// paper reference numbers, the same numbers the model must cite with.
func formatSectionEvidence(plan SectionPlan, quotes map[QuoteHandle]Quote, sets map[int]QuoteSet) string {
	var b strings.Builder
	for _, handle := range plan.Quotes {
		q, ok := quotes[handle]
		if !ok {
			continue
		}
		set := sets[handle.RefNumber]
		fmt.Fprintf(&b, "[%d] (%s) %s\n", handle.RefNumber, set.ReferenceString, q.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// fallbackSectionText lists the section's evidence verbatim when the
// model could not write prose.
func fallbackSectionText(plan SectionPlan, quotes map[QuoteHandle]Quote, sets map[int]QuoteSet) string {
	var b strings.Builder
	b.WriteString("This section could not be generated. The evidence gathered for it:\n")
	for _, handle := range plan.Quotes {
		q, ok := quotes[handle]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %q [%d]\n", q.Text, handle.RefNumber)
	}
	return strings.TrimRight(b.String(), "\n")
}

// splitTLDR peels a leading "TLDR:" line off the section text.
func splitTLDR(text string) (tldr, body string) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "TLDR:") {
		return "", trimmed
	}
	line, rest, _ := strings.Cut(trimmed, "\n")
	return strings.TrimSpace(strings.TrimPrefix(line, "TLDR:")), strings.TrimSpace(rest)
}

// priorWindow bounds carried context to the last n characters.
func priorWindow(prior string, n int) string {
	prior = strings.TrimSpace(prior)
	if len(prior) <= n {
		return prior
	}
	return prior[len(prior)-n:]
}
