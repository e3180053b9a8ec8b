package cli

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memrag/internal/store"
)

type storeRequest struct {
	Tier       string            `json:"tier"`
	Content    string            `json:"content"`
	Importance *float64          `json:"importance"`
	Metadata   map[string]string `json:"metadata"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "store [content]",
		Short: "Store a memory",
		Long: "Store a memory. Content can be a positional arg, piped text, or a piped JSON\n" +
			`request {"tier":..., "content":..., "importance":..., "metadata":{...}}.` + "\n" +
			"Without a tier the tier is detected from the content.",
		RunE: runStore,
	}

	cmd.Flags().StringP("tier", "t", "", "Tier: core, semantic, episodic, working (default: detect)")
	cmd.Flags().Float64P("importance", "i", 0.5, "Importance in [0, 1]")
	cmd.Flags().String("meta", "", "JSON object of string metadata")

	RootCmd.AddCommand(cmd)
}

func runStore(cmd *cobra.Command, args []string) (err error) {
	tier, _ := cmd.Flags().GetString("tier")
	importance, _ := cmd.Flags().GetFloat64("importance")
	meta, _ := cmd.Flags().GetString("meta")

	req := storeRequest{Tier: tier}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &req.Metadata); err != nil {
			return usageErr("store", "--meta must be a JSON object of strings: %v", err)
		}
	}

	if len(args) > 0 {
		req.Content = strings.Join(args, " ")
	} else {
		raw, err := readStdin(cmd)
		if err != nil {
			return err
		}
		ok, err := decodeRequest("store", raw, &req)
		if err != nil {
			return err
		}
		if !ok {
			req.Content = string(raw)
		}
	}
	if strings.TrimSpace(req.Content) == "" {
		return usageErr("store", "content is required (positional arg or stdin)")
	}
	if req.Importance == nil {
		req.Importance = &importance
	}

	s, err := openStore(cmd, false)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	e, err := s.Store(cmd.Context(), store.StoreParams{
		Tier:       req.Tier,
		Content:    strings.TrimSpace(req.Content),
		Importance: *req.Importance,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return err
	}
	if err := s.Save(cmd.Context()); err != nil {
		return err
	}
	return writeJSON(cmd, e)
}
