package main

import (
	"github.com/spf13/cobra"

	"github.com/corpusqa/corpusqa/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "corpusqa",
	Short: "Scientific-literature question answering over a paper corpus",
	Long: `corpusqa answers research questions with cited, multi-section reports
grounded in scientific papers.

Each question runs through a staged pipeline:
  - Query decomposition into search plans and filters
  - Snippet and keyword retrieval with reranking
  - Verbatim quote extraction from the top papers
  - Report planning, section synthesis, and comparison tables`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.corpusqa/config.yaml)",
	)

	rootCmd.AddCommand(versionCmd)
}
