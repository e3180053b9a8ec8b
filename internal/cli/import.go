package cli

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/memrag/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import memories from JSON",
		Long: "Import memories from a file or stdin. Accepts the object produced by export\n" +
			"or a bare array of entries. Entries already present (same tier and content)\n" +
			"are skipped.",
		Args: cobra.MaximumNArgs(1),
		RunE: runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) (err error) {
	var data []byte
	if len(args) > 0 {
		data, err = os.ReadFile(args[0])
		if err != nil {
			return usageErr("import", "read %s: %v", args[0], err)
		}
	} else {
		if data, err = readStdin(cmd); err != nil {
			return err
		}
	}
	entries, err := parseImport(bytes.TrimSpace(data))
	if err != nil {
		return err
	}

	s, err := openStore(cmd, false)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	res, err := s.Import(cmd.Context(), entries)
	if err != nil {
		return err
	}
	if err := s.Save(cmd.Context()); err != nil {
		return err
	}
	return writeJSON(cmd, map[string]any{"ok": true, "imported": res.Imported, "skipped": res.Skipped})
}

func parseImport(data []byte) ([]*model.Entry, error) {
	if len(data) == 0 {
		return nil, usageErr("import", "no input (file argument or stdin)")
	}
	var entries []*model.Entry
	if data[0] == '[' {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, usageErr("import", "parse json: %v", err)
		}
		return entries, nil
	}
	var exp struct {
		Entries []*model.Entry `json:"entries"`
	}
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, usageErr("import", "parse json: %v", err)
	}
	if exp.Entries == nil {
		return nil, usageErr("import", "no entries in input (%d bytes)", len(data))
	}
	return exp.Entries, nil
}
