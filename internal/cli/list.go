package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memrag/internal/logging"
	"github.com/rcliao/memrag/internal/model"
	"github.com/rcliao/memrag/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories, most important first",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	cmd.Flags().StringP("tier", "t", "", "Filter by tier")
	cmd.Flags().IntP("limit", "l", 20, "Max results (0 for all)")
	cmd.Flags().Bool("brief", false, "Only output id, tier and a content preview per line")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) (err error) {
	tier, _ := cmd.Flags().GetString("tier")
	limit, _ := cmd.Flags().GetInt("limit")
	brief, _ := cmd.Flags().GetBool("brief")

	s, err := openStore(cmd, true)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	entries, err := s.List(store.ListParams{Tier: tier, Limit: limit})
	if err != nil {
		return err
	}

	if brief {
		for _, e := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%.2f\t%s\n", e.ID, e.Tier, e.Importance, logging.Truncate(e.Content, 60))
		}
		return nil
	}
	if entries == nil {
		entries = []*model.Entry{}
	}
	return writeJSON(cmd, entries)
}
