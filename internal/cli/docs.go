package cli

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/rcliao/memrag/internal/model"
)

type docRow struct {
	DocID    string            `json:"doc_id"`
	Chunks   int               `json:"chunks"`
	Indexed  bool              `json:"indexed"`
	AddedAt  model.Timestamp   `json:"added_at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func init() {
	docsCmd := &cobra.Command{
		Use:   "docs",
		Short: "Document management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List ingested documents",
		Args:  cobra.NoArgs,
		RunE:  runDocsList,
	}

	docsCmd.AddCommand(listCmd)
	RootCmd.AddCommand(docsCmd)
}

func runDocsList(cmd *cobra.Command, args []string) (err error) {
	s, err := openStore(cmd, true)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	docs := s.Documents()
	rows := make([]docRow, 0, len(docs))
	for id, d := range docs {
		rows = append(rows, docRow{
			DocID:    id,
			Chunks:   len(d.ChunkIDs),
			Indexed:  d.Indexed,
			AddedAt:  d.AddedAt,
			Metadata: d.Metadata,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DocID < rows[j].DocID })
	return writeJSON(cmd, rows)
}
