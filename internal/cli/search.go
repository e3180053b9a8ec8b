package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memrag/internal/store"
)

type searchRequest struct {
	Query string `json:"query"`
	Tier  string `json:"tier"`
	K     int    `json:"k"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories by similarity",
		Long: "Return the memories most similar to the query. Falls back to substring\n" +
			"matching, marked degraded, when the embedder is unavailable.",
		RunE: runSearch,
	}

	cmd.Flags().StringP("tier", "t", "", "Restrict to one tier")
	cmd.Flags().IntP("k", "k", store.DefaultK, "Max results")
	cmd.Flags().Bool("read-only", false, "Open without the writer lock; access is not recorded")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) (err error) {
	tier, _ := cmd.Flags().GetString("tier")
	k, _ := cmd.Flags().GetInt("k")
	readOnly, _ := cmd.Flags().GetBool("read-only")

	req := searchRequest{Query: strings.Join(args, " "), Tier: tier, K: k}
	if err := requestFromStdin(cmd, args, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Query) == "" {
		return usageErr("search", "query is required")
	}

	s, err := openStore(cmd, readOnly)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	resp, err := s.Search(cmd.Context(), store.SearchParams{
		Query: req.Query,
		Tier:  req.Tier,
		K:     req.K,
	})
	if err != nil {
		return err
	}
	if !readOnly {
		// Search records access; persist it.
		if err := s.Save(cmd.Context()); err != nil {
			return err
		}
	}
	return writeJSON(cmd, resp)
}
