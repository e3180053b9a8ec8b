package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Decay, expire, compress and evict memories",
		Args:  cobra.NoArgs,
		RunE:  runCleanup,
	}

	clearCmd := &cobra.Command{
		Use:   "clear [tier]",
		Short: "Remove every memory of a tier, or of all tiers",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runClear,
	}
	clearCmd.Flags().StringP("tier", "t", "", "Tier to clear (default: all)")

	RootCmd.AddCommand(cleanupCmd, clearCmd)
}

func runCleanup(cmd *cobra.Command, args []string) (err error) {
	s, err := openStore(cmd, false)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	sum, err := s.Cleanup(cmd.Context())
	if err != nil {
		return err
	}
	if err := s.Save(cmd.Context()); err != nil {
		return err
	}
	return writeJSON(cmd, sum)
}

func runClear(cmd *cobra.Command, args []string) (err error) {
	tier, _ := cmd.Flags().GetString("tier")
	if len(args) > 0 {
		tier = args[0]
	}

	s, err := openStore(cmd, false)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	removed, err := s.Clear(cmd.Context(), tier)
	if err != nil {
		return err
	}
	if err := s.Save(cmd.Context()); err != nil {
		return err
	}
	return writeJSON(cmd, map[string]any{"ok": true, "tier": tier, "removed": removed})
}
