package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/acl"
	"github.com/quarryhq/quarry/flow"
	_ "github.com/quarryhq/quarry/flow/general"
	"github.com/quarryhq/quarry/hooks"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

var flowCmd = &cobra.Command{
	Use:   "flow",
	Short: "start and inspect flows",
}

var flowStartCmd = &cobra.Command{
	Use:   "start --client <client-id> --flow <name>",
	Short: "start a flow on a client",
	RunE:  runFlowStart,
}

var flowListCmd = &cobra.Command{
	Use:   "list --client <client-id>",
	Short: "list a client's flows",
	RunE:  runFlowList,
}

var flowResultsCmd = &cobra.Command{
	Use:   "results <session-id>",
	Short: "print a flow's results as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlowResults,
}

func init() {
	flowStartCmd.Flags().String("client", "", "target client id (required)")
	flowStartCmd.Flags().String("flow", "", "registered flow name (required)")
	flowStartCmd.Flags().String("args-type", "", "argument document type, defaults to <flow>Args")
	flowStartCmd.Flags().String("args", "", "argument document as a JSON object")
	flowStartCmd.MarkFlagRequired("client")
	flowStartCmd.MarkFlagRequired("flow")

	flowListCmd.Flags().String("client", "", "client id (required)")
	flowListCmd.Flags().Int("limit", 50, "maximum flows to list")
	flowListCmd.MarkFlagRequired("client")

	flowCmd.AddCommand(flowStartCmd, flowListCmd, flowResultsCmd)
	RootCmd.AddCommand(flowCmd)
}

func newFlowDeps(opened *openedStore, logger *logrusAdapter) *flow.Deps {
	return &flow.Deps{
		Store:  opened.store,
		Queues: queue.NewManager(opened.store, logger),
		ACL:    acl.NewManager(opened.store, hooks.NewRegistry(), nil),
		Hooks:  hooks.NewRegistry(),
		Logger: logger,
	}
}

func runFlowStart(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	clientStr, _ := cmd.Flags().GetString("client")
	clientID, err := types.ParseClientID(clientStr)
	if err != nil {
		return err
	}
	flowName, _ := cmd.Flags().GetString("flow")

	var argsDoc types.Document
	if raw, _ := cmd.Flags().GetString("args"); raw != "" {
		typeName, _ := cmd.Flags().GetString("args-type")
		if typeName == "" {
			typeName = flowName + "Args"
		}
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("--args is not valid JSON")
		}
		argsDoc = types.Document{TypeName: typeName, Value: json.RawMessage(raw)}
	}

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	token := userToken()
	sessionID, err := flow.StartFlow(ctx, newFlowDeps(opened, newLogger()), flow.StartArgs{
		FlowName: flowName,
		ClientID: clientID,
		Args:     argsDoc,
		Creator:  token.Username,
		Token:    token,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), sessionID)
	return nil
}

func runFlowList(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	clientStr, _ := cmd.Flags().GetString("client")
	clientID, err := types.ParseClientID(clientStr)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	flows, err := flow.ListFlows(ctx, opened.store, clientID, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tFLOW\tSTATE\tCREATOR\tCREATED\tERROR")
	for _, s := range flows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.SessionID, s.Name, s.State, s.Creator,
			humanize.Time(s.Created.Time()), s.ErrorMessage)
	}
	return w.Flush()
}

func runFlowResults(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	sessionID, err := types.ParseSessionID(args[0])
	if err != nil {
		return err
	}

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	results, err := flow.Results(ctx, opened.store, sessionID, 0, 0)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, doc := range results {
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}
	return nil
}
