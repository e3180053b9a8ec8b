package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories and documents",
		Long: "Export every memory and document record as JSON. With --sqlite the snapshot\n" +
			"is written to a new SQLite database with full-text search over content.",
		Args: cobra.NoArgs,
		RunE: runExport,
	}

	cmd.Flags().String("sqlite", "", "Write the snapshot to this new SQLite database")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) (err error) {
	dbPath, _ := cmd.Flags().GetString("sqlite")

	s, err := openStore(cmd, true)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	if dbPath != "" {
		exp, err := s.ExportSQLite(cmd.Context(), dbPath)
		if err != nil {
			return err
		}
		return writeJSON(cmd, map[string]any{
			"ok":        true,
			"id":        exp.ID,
			"path":      dbPath,
			"entries":   len(exp.Entries),
			"documents": len(exp.Documents),
		})
	}

	exp, err := s.Export(cmd.Context())
	if err != nil {
		return err
	}
	return writeJSON(cmd, exp)
}
