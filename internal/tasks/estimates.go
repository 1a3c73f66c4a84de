package tasks

import (
	"fmt"
	"time"
)

// Pipeline stage names, used for step estimates and trace records.
const (
	StageDecompose  = "decompose"
	StageRetrieve   = "retrieve"
	StageExtract    = "extract"
	StagePlan       = "plan"
	StageSynthesize = "synthesize"
	StageTables     = "build_tables"
)

// Size classes for estimate lookup, derived from the stage's input
// count (papers, quotes, or sections depending on the stage).
const (
	sizeSmall  = "small"
	sizeMedium = "medium"
	sizeLarge  = "large"
)

func sizeClass(n int) string {
	switch {
	case n <= 5:
		return sizeSmall
	case n <= 20:
		return sizeMedium
	default:
		return sizeLarge
	}
}

// stageEstimates holds per-step duration guesses keyed by stage and
// input size class. These only feed the estimated_timestamp shown to
// pollers; actual durations are whatever they are.
var stageEstimates = map[string]map[string]time.Duration{
	StageDecompose: {
		sizeSmall:  5 * time.Second,
		sizeMedium: 5 * time.Second,
		sizeLarge:  5 * time.Second,
	},
	StageRetrieve: {
		sizeSmall:  10 * time.Second,
		sizeMedium: 10 * time.Second,
		sizeLarge:  15 * time.Second,
	},
	StageExtract: {
		sizeSmall:  10 * time.Second,
		sizeMedium: 20 * time.Second,
		sizeLarge:  40 * time.Second,
	},
	StagePlan: {
		sizeSmall:  10 * time.Second,
		sizeMedium: 15 * time.Second,
		sizeLarge:  15 * time.Second,
	},
	StageSynthesize: {
		sizeSmall:  20 * time.Second,
		sizeMedium: 45 * time.Second,
		sizeLarge:  90 * time.Second,
	},
	StageTables: {
		sizeSmall:  20 * time.Second,
		sizeMedium: 30 * time.Second,
		sizeLarge:  45 * time.Second,
	},
}

// StageEstimate returns the duration guess for a stage given its
// input size. Unknown stages get a flat ten seconds.
func StageEstimate(stage string, inputSize int) time.Duration {
	if byClass, ok := stageEstimates[stage]; ok {
		if d, ok := byClass[sizeClass(inputSize)]; ok {
			return d
		}
	}
	return 10 * time.Second
}

// OverallEstimate renders the whole-task estimate once the outline is
// known: a fixed overhead plus a per-section allowance, rounded up to
// whole minutes.
func OverallEstimate(sections int) string {
	seconds := 30 + 15*sections
	minutes := (seconds + 59) / 60
	return fmt.Sprintf("~%d minutes", minutes)
}
