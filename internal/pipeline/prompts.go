package pipeline

// Prompt templates for the pipeline stages. Kept in one place so prompt
// changes never touch stage logic.

const decomposeSystemPrompt = `You are a scientific search assistant. Decompose the user's question into search inputs for a scholarly paper index.

Produce:
- rewritten_query: the question rephrased for dense passage retrieval, keeping all technical terms.
- keyword_query: a short keyword form for lexical paper search, or "" if keyword search would not help.
- earliest_year / latest_year: integer publication-year bounds implied by the question, or 0 when unbounded. "Since 2020" means earliest_year 2020. "Recent" alone does not imply a bound.
- venues: venue names only when the question names them.
- authors: author names only when the question names them.
- fields_of_study: high-level fields (e.g. "Computer Science", "Medicine") when clearly implied.

Never invent constraints the question does not state.`

const quoteExtractionSystemPrompt = `You extract verbatim quotes from a scientific paper that are relevant to a user's question.

Rules:
- Copy text exactly as it appears in the paper. Do not paraphrase, abbreviate, or fix typos.
- Prefer complete sentences that stand alone.
- Separate quotes with a line containing only "...".
- If nothing in the paper is relevant, reply with the single word: None`

const quoteExtractionUserPrompt = `Question: %s

Paper:
%s

Extract the relevant verbatim quotes.`

const outlineSystemPrompt = `You organize evidence quotes into a report outline for answering a scientific question.

You will receive numbered quotes, each labeled [ref.index]. Produce an ordered list of sections. For each section give:
- name: a short descriptive heading.
- format: "synthesis" for sections that should be written as prose, "list" for sections that enumerate and compare many papers and would suit a table.
- quotes: the [ref.index] labels of quotes supporting that section.

Place every quote that deserves a home; omit quotes that support nothing. Think step by step in the "cot" field before the sections.`

const outlineUserPrompt = `Question: %s

Quotes:
%s

Produce the outline.`

const synthesisSystemPrompt = `You write one section of a scientific report answering a user's question. Ground every claim in the provided quotes and cite with the bracketed reference numbers, e.g. [3]. Only cite references that appear in the quotes given to you. Start with a one-sentence TLDR on its own line prefixed "TLDR: ", then the section body.`

const synthesisUserPrompt = `Question: %s

Section to write: %s

Evidence quotes:
%s
%s
Write the section now.%s`

const synthesisListInstruction = `
Write this section as a bullet list, one finding per bullet, each with its citation.`

const synthesisPriorContext = `
Sections already written (do not repeat their content):
%s
`
