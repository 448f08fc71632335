package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quarryhq/quarry/types"
)

func init() {
	MustRegisterPlugin("jsonl", newJSONLPlugin)
}

// JSONLArgs configures the jsonl plugin. Path may contain the
// {hunt_id} placeholder, replaced with the hunt's session id.
type JSONLArgs struct {
	Path string `json:"path"`
}

// jsonlPlugin appends hunt results to a local file, one JSON record per
// line. Appending keeps rounds idempotent-friendly: the offset
// bookkeeping guarantees each result is written once.
type jsonlPlugin struct {
	huntID types.SessionID
	path   string
	file   *os.File
	enc    *json.Encoder
}

func newJSONLPlugin(huntID types.SessionID, args types.Document) (Plugin, error) {
	var a JSONLArgs
	if err := args.Decode(&a); err != nil {
		return nil, fmt.Errorf("invalid jsonl args: %w", err)
	}
	if a.Path == "" {
		return nil, fmt.Errorf("jsonl plugin requires a path")
	}

	path := strings.ReplaceAll(a.Path, "{hunt_id}", strings.ReplaceAll(string(huntID), ":", "_"))
	return &jsonlPlugin{huntID: huntID, path: path}, nil
}

func (p *jsonlPlugin) ProcessResults(ctx context.Context, results []types.Document) error {
	if p.file == nil {
		if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", p.path, err)
		}
		p.file = f
		p.enc = json.NewEncoder(f)
	}

	for _, doc := range results {
		if err := p.enc.Encode(NewRecord(p.huntID, doc)); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	return nil
}

func (p *jsonlPlugin) Flush(ctx context.Context) error {
	if p.file == nil {
		return nil
	}
	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return fmt.Errorf("failed to sync %s: %w", p.path, err)
	}
	return p.file.Close()
}
