package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	saveCmd := &cobra.Command{
		Use:   "save",
		Short: "Rewrite tier files, documents and the index",
		Args:  cobra.NoArgs,
		RunE:  runSave,
	}

	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Load the store and report recovered problems",
		Long: "Load every tier, repairing what it can: malformed lines are skipped,\n" +
			"entries without vectors are re-embedded, orphaned vectors dropped.",
		Args: cobra.NoArgs,
		RunE: runLoad,
	}

	RootCmd.AddCommand(saveCmd, loadCmd)
}

func runSave(cmd *cobra.Command, args []string) (err error) {
	s, err := openStore(cmd, false)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	if err := s.Save(cmd.Context()); err != nil {
		return err
	}
	return writeJSON(cmd, map[string]any{"ok": true, "root": s.Config().Root})
}

func runLoad(cmd *cobra.Command, args []string) (err error) {
	s, err := openStore(cmd, false)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	// Open already loaded; persist any repairs it made.
	report := s.LoadReport()
	if err := s.Save(cmd.Context()); err != nil {
		return err
	}
	st, err := s.Stats()
	if err != nil {
		return err
	}
	return writeJSON(cmd, map[string]any{
		"ok":         true,
		"entries":    st.Total,
		"documents":  st.Documents,
		"skipped":    report.Skipped,
		"tombstoned": report.Tombstoned,
	})
}
