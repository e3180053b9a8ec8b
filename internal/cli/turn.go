package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

type turnRequest struct {
	Query  string `json:"query"`
	Answer string `json:"answer"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "turn [query] [answer]",
		Short: "Record a conversation turn",
		Long: "Store the query as working memory and the question/answer pair as\n" +
			`episodic memory. Reads {"query":..., "answer":...} from stdin without args.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return usageErr("turn", "expected a query and an answer, got %d args", len(args))
			}
			return nil
		},
		RunE: runTurn,
	}

	RootCmd.AddCommand(cmd)
}

func runTurn(cmd *cobra.Command, args []string) (err error) {
	var req turnRequest
	if len(args) == 2 {
		req = turnRequest{Query: args[0], Answer: args[1]}
	} else if err := requestFromStdin(cmd, args, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Query) == "" || strings.TrimSpace(req.Answer) == "" {
		return usageErr("turn", "query and answer are required")
	}

	s, err := openStore(cmd, false)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	q, pair, err := s.RecordTurn(cmd.Context(), req.Query, req.Answer)
	if err != nil {
		return err
	}
	if err := s.Save(cmd.Context()); err != nil {
		return err
	}
	return writeJSON(cmd, map[string]any{"query": q, "turn": pair})
}
