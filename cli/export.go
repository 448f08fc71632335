package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/collection"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/hunt/output"
	"github.com/quarryhq/quarry/types"
)

// exportBatchSize is how many results one plugin batch carries.
const exportBatchSize = 500

var exportCmd = &cobra.Command{
	Use:   "export <hunt-id>",
	Short: "export a hunt's results through an output plugin",
	Long: `Export replays a hunt's full results collection through one output
plugin. Unlike the server-side output processor it ignores the stored
per-plugin offsets, so it always exports everything; use it to pull
results of hunts that ran without output plugins, or to re-export after
a sink failure.

  quarry export H:1a2b3c4d --to results.jsonl
  quarry export H:1a2b3c4d --to s3://hunt-exports/2026/
  quarry export H:1a2b3c4d --plugin amqp --args '{"url":"amqp://localhost","exchange":"hunts"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().String("plugin", "jsonl", "output plugin to export through")
	exportCmd.Flags().String("args", "", "plugin argument document as a JSON object")
	exportCmd.Flags().String("to", "", "destination: a local jsonl path or s3://bucket/prefix")
	RootCmd.AddCommand(exportCmd)
}

// targetArgs maps an export destination to a plugin and its argument
// document: s3://bucket/prefix selects the s3 plugin, anything else is
// a local jsonl path.
func targetArgs(to string) (string, string, error) {
	if rest, ok := strings.CutPrefix(to, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return "", "", fmt.Errorf("invalid s3 destination %q", to)
		}
		doc, err := types.NewDocument("S3Args", output.S3Args{Bucket: bucket, Prefix: prefix})
		if err != nil {
			return "", "", err
		}
		return "s3", string(doc.Value), nil
	}
	doc, err := types.NewDocument("JSONLArgs", output.JSONLArgs{Path: to})
	if err != nil {
		return "", "", err
	}
	return "jsonl", string(doc.Value), nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	huntID, err := types.ParseSessionID(args[0])
	if err != nil {
		return err
	}
	if !huntID.IsHunt() {
		return fmt.Errorf("%s is not a hunt session id", huntID)
	}

	pluginName, _ := cmd.Flags().GetString("plugin")
	rawArgs, _ := cmd.Flags().GetString("args")
	if to, _ := cmd.Flags().GetString("to"); to != "" {
		pluginName, rawArgs, err = targetArgs(to)
		if err != nil {
			return err
		}
	}

	factory, ok := output.LookupPlugin(pluginName)
	if !ok {
		return fmt.Errorf("unknown output plugin %q", pluginName)
	}

	var argsDoc types.Document
	if rawArgs != "" {
		if !json.Valid([]byte(rawArgs)) {
			return fmt.Errorf("--args is not valid JSON")
		}
		argsDoc = types.Document{TypeName: pluginName + "Args", Value: json.RawMessage(rawArgs)}
	}

	plugin, err := factory(huntID, argsDoc)
	if err != nil {
		return err
	}

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	results := collection.New(opened.store, flow.ResultsSubject(huntID))
	var exported int64
	for {
		batch, err := results.Items(ctx, exported, exportBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		if err := plugin.ProcessResults(ctx, batch); err != nil {
			return fmt.Errorf("plugin %s failed after %d results: %w", pluginName, exported, err)
		}
		exported += int64(len(batch))
	}
	if err := plugin.Flush(ctx); err != nil {
		return fmt.Errorf("plugin %s failed to flush: %w", pluginName, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "exported %s results from %s via %s\n",
		humanize.Comma(exported), huntID, pluginName)
	return nil
}
