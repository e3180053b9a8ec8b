package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memrag/internal/store"
)

type contextRequest struct {
	Query    string `json:"query"`
	MaxChars int    `json:"max_chars"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "context [query]",
		Short: "Assemble a prompt context for a query",
		Long: "Classify the query, pick the top memories of each tier by weight and\n" +
			"serialize them into a bounded context string.",
		RunE: runContext,
	}

	cmd.Flags().IntP("max-chars", "m", 0, "Max characters in the context (default: config max_context_chars)")
	cmd.Flags().Bool("text", false, "Print only the context text")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) (err error) {
	maxChars, _ := cmd.Flags().GetInt("max-chars")
	textOnly, _ := cmd.Flags().GetBool("text")

	req := contextRequest{Query: strings.Join(args, " "), MaxChars: maxChars}
	if err := requestFromStdin(cmd, args, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Query) == "" {
		return usageErr("context", "query is required")
	}

	s, err := openStore(cmd, true)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	result, err := s.BuildContext(cmd.Context(), store.ContextParams{
		Query:    req.Query,
		MaxChars: req.MaxChars,
	})
	if err != nil {
		return err
	}
	if textOnly {
		_, err = cmd.OutOrStdout().Write([]byte(result.Text + "\n"))
		return err
	}
	return writeJSON(cmd, result)
}
