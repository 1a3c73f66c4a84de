// Package corpus adapts a remote scholarly paper index: passage-level
// snippet search, keyword paper search, and batched metadata hydration.
package corpus

import "errors"

// Classified adapter failures, matched with errors.Is.
var (
	ErrNotFound  = errors.New("corpus resource not found")
	ErrThrottled = errors.New("corpus request throttled")
	ErrUpstream  = errors.New("corpus upstream error")
	ErrNetwork   = errors.New("corpus network error")
)

// PassageKind classifies where in a paper a passage came from.
type PassageKind string

const (
	KindAbstract PassageKind = "abstract"
	KindBody     PassageKind = "body"
	KindTitle    PassageKind = "title"
	KindOther    PassageKind = "other"
)

// PassageSource records which search surfaced a passage. Snippet results
// win dedupe ties against keyword results.
type PassageSource string

const (
	SourceSnippet PassageSource = "snippet"
	SourceKeyword PassageSource = "keyword"
)

// Passage is one retrieved text unit from a paper.
type Passage struct {
	CorpusID     int64         `json:"corpus_id"`
	Text         string        `json:"text"`
	SectionTitle string        `json:"section_title,omitempty"`
	Kind         PassageKind   `json:"kind"`
	Score        float64       `json:"score"`
	CharStart    int           `json:"char_start"`
	CharEnd      int           `json:"char_end"`
	Source       PassageSource `json:"source"`
}

// Author is one paper author.
type Author struct {
	Name     string `json:"name"`
	AuthorID string `json:"author_id,omitempty"`
}

// PaperRecord is the metadata for one paper.
type PaperRecord struct {
	CorpusID                 int64    `json:"corpus_id"`
	Title                    string   `json:"title"`
	Authors                  []Author `json:"authors,omitempty"`
	Year                     int      `json:"year,omitempty"`
	Venue                    string   `json:"venue,omitempty"`
	CitationCount            int      `json:"citation_count"`
	InfluentialCitationCount int      `json:"influential_citation_count"`
	IsOpenAccess             bool     `json:"is_open_access"`
	Abstract                 string   `json:"abstract,omitempty"`
}

// Filters narrows searches. YearEnd is exclusive; zero values mean
// unbounded.
type Filters struct {
	YearStart     int
	YearEnd       int
	Venues        []string
	Authors       []string
	FieldsOfStudy []string
}
