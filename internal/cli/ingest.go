package cli

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rcliao/memrag/internal/model"
	"github.com/rcliao/memrag/internal/store"
)

type ingestRequest struct {
	DocID    string            `json:"doc_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

func init() {
	ingestCmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Chunk a document into semantic memories",
		Long: "Split a document into overlapping word windows and store each as a semantic\n" +
			"memory linked by doc id. Reads the file argument, or a JSON request\n" +
			`{"doc_id":..., "content":..., "metadata":{...}} or raw text from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runIngest,
	}
	ingestCmd.Flags().String("doc-id", "", "Document id (default: file name)")
	ingestCmd.Flags().String("meta", "", "JSON object of string metadata")

	rmDocCmd := &cobra.Command{
		Use:   "rm-doc <doc-id>",
		Short: "Remove a document's chunks",
		Args:  cobra.ExactArgs(1),
		RunE:  runRmDoc,
	}
	rmDocCmd.Flags().Bool("keep-record", false, "Keep the document record, marked not indexed")

	RootCmd.AddCommand(ingestCmd, rmDocCmd)
}

func runIngest(cmd *cobra.Command, args []string) (err error) {
	docID, _ := cmd.Flags().GetString("doc-id")
	meta, _ := cmd.Flags().GetString("meta")

	req := ingestRequest{DocID: docID}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &req.Metadata); err != nil {
			return usageErr("ingest", "--meta must be a JSON object of strings: %v", err)
		}
	}

	if len(args) > 0 {
		b, err := os.ReadFile(args[0])
		if err != nil {
			return usageErr("ingest", "read %s: %v", args[0], err)
		}
		req.Content = string(b)
		if req.DocID == "" {
			req.DocID = filepath.Base(args[0])
		}
		if req.Metadata == nil {
			req.Metadata = map[string]string{}
		}
		if _, ok := req.Metadata[model.MetaSource]; !ok {
			req.Metadata[model.MetaSource] = args[0]
		}
	} else {
		raw, err := readStdin(cmd)
		if err != nil {
			return err
		}
		ok, err := decodeRequest("ingest", raw, &req)
		if err != nil {
			return err
		}
		if !ok {
			req.Content = string(raw)
		}
	}
	if req.DocID == "" {
		return usageErr("ingest", "--doc-id is required when reading stdin")
	}

	s, err := openStore(cmd, false)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	doc, err := s.AddDocument(cmd.Context(), store.DocumentParams{
		DocID:    req.DocID,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		return err
	}
	if err := s.Save(cmd.Context()); err != nil {
		return err
	}
	return writeJSON(cmd, map[string]any{
		"ok":        true,
		"doc_id":    doc.ID,
		"chunks":    len(doc.ChunkIDs),
		"chunk_ids": doc.ChunkIDs,
	})
}

func runRmDoc(cmd *cobra.Command, args []string) (err error) {
	keep, _ := cmd.Flags().GetBool("keep-record")

	s, err := openStore(cmd, false)
	if err != nil {
		return err
	}
	defer closeStore(s, &err)

	removed, err := s.DeleteDocument(cmd.Context(), args[0], keep)
	if err != nil {
		return err
	}
	if err := s.Save(cmd.Context()); err != nil {
		return err
	}
	return writeJSON(cmd, map[string]any{"ok": true, "doc_id": args[0], "removed": removed})
}
