package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Retrieve a memory by id",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) (err error) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return usageErr("get", "id must be an integer: %q", args[0])
	}

	s, err := openStore(cmd, true)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	e, err := s.Get(id)
	if err != nil {
		return err
	}
	return writeJSON(cmd, e)
}
