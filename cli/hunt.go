package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/quarryhq/quarry/acl"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/foreman"
	"github.com/quarryhq/quarry/hooks"
	"github.com/quarryhq/quarry/hunt"
	"github.com/quarryhq/quarry/hunt/output"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

var huntCmd = &cobra.Command{
	Use:   "hunt",
	Short: "create and steer hunts",
}

var huntCreateCmd = &cobra.Command{
	Use:   "create -f manifest.yaml",
	Short: "create a hunt from a manifest",
	Long: `Create reads a hunt manifest and stores the hunt in PAUSED state.
Start it with "quarry hunt start".

Example manifest:

  name: find-badfile
  flow: GetFile
  args_type: GetFileArgs
  args:
    path: /etc/badfile
  regex_rules:
    - attribute: metadata:hostname
      regex: "^web-"
  client_rate: 20
  client_limit: 500
  expiry: 168h
  output_plugins:
    - name: jsonl
      args:
        path: /var/quarry/results.jsonl`,
	RunE: runHuntCreate,
}

var huntStartCmd = &cobra.Command{
	Use:   "start <hunt-id>",
	Short: "start a paused hunt",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionHunt((*hunt.Manager).Start),
}

var huntPauseCmd = &cobra.Command{
	Use:   "pause <hunt-id>",
	Short: "pause a running hunt",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionHunt((*hunt.Manager).Pause),
}

var huntStopCmd = &cobra.Command{
	Use:   "stop <hunt-id>",
	Short: "stop a hunt and terminate its child flows",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionHunt((*hunt.Manager).Stop),
}

var huntListCmd = &cobra.Command{
	Use:   "list",
	Short: "list hunts",
	RunE:  runHuntList,
}

var huntStatusCmd = &cobra.Command{
	Use:   "status <hunt-id>",
	Short: "show a hunt's progress and output state",
	Args:  cobra.ExactArgs(1),
	RunE:  runHuntStatus,
}

var huntResultsCmd = &cobra.Command{
	Use:   "results <hunt-id>",
	Short: "print a hunt's aggregated results as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE:  runHuntResults,
}

func init() {
	huntCreateCmd.Flags().StringP("file", "f", "", "hunt manifest file (required)")
	huntCreateCmd.MarkFlagRequired("file")
	huntListCmd.Flags().Int("limit", 50, "maximum hunts to list")

	huntResultsCmd.Flags().Int64("offset", 0, "skip this many results")
	huntResultsCmd.Flags().Int64("limit", 0, "maximum results to print, 0 for all")

	huntCmd.AddCommand(huntCreateCmd, huntStartCmd, huntPauseCmd, huntStopCmd,
		huntListCmd, huntStatusCmd, huntResultsCmd)

	RootCmd.PersistentFlags().String("user", os.Getenv("USER"), "acting username for access checks")
	RootCmd.PersistentFlags().String("reason", "", "reason recorded on audited operations")
	viper.BindPFlag("user", RootCmd.PersistentFlags().Lookup("user"))
	viper.BindPFlag("reason", RootCmd.PersistentFlags().Lookup("reason"))

	RootCmd.AddCommand(huntCmd)
}

// userToken builds the access token for operator commands from the
// --user and --reason flags.
func userToken() *acl.Token {
	return &acl.Token{
		Username: viper.GetString("user"),
		Reason:   viper.GetString("reason"),
	}
}

// newHuntManager builds the hunt control plane against an open store.
// Operator commands share the datastore with running servers; no engine
// instance is needed.
func newHuntManager(opened *openedStore, logger *logrusAdapter) *hunt.Manager {
	deps := &flow.Deps{
		Store:  opened.store,
		Queues: queue.NewManager(opened.store, logger),
		ACL:    acl.NewManager(opened.store, hooks.NewRegistry(), nil),
		Hooks:  hooks.NewRegistry(),
		Logger: logger,
	}
	return hunt.NewManager(deps, logger)
}

// huntManifest is the YAML shape of a hunt description. It mirrors
// hunt.Args with durations as strings and argument documents as plain
// maps.
type huntManifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	Flow     string         `yaml:"flow"`
	ArgsType string         `yaml:"args_type"`
	Args     map[string]any `yaml:"args"`

	RegexRules []struct {
		Attribute string `yaml:"attribute"`
		Regex     string `yaml:"regex"`
	} `yaml:"regex_rules"`
	IntegerRules []struct {
		Attribute string `yaml:"attribute"`
		Operator  string `yaml:"operator"`
		Value     int64  `yaml:"value"`
	} `yaml:"integer_rules"`

	ClientRate  float64 `yaml:"client_rate"`
	ClientLimit int     `yaml:"client_limit"`
	Force       bool    `yaml:"force"`
	Expiry      string  `yaml:"expiry"`

	CPULimit                   float64 `yaml:"cpu_limit"`
	NetworkBytesLimit          uint64  `yaml:"network_bytes_limit"`
	PerClientCPULimit          float64 `yaml:"per_client_cpu_limit"`
	PerClientNetworkBytesLimit uint64  `yaml:"per_client_network_bytes_limit"`

	AvgResultsPerClientLimit      int64   `yaml:"avg_results_per_client_limit"`
	AvgCPUSecondsPerClientLimit   float64 `yaml:"avg_cpu_seconds_per_client_limit"`
	AvgNetworkBytesPerClientLimit uint64  `yaml:"avg_network_bytes_per_client_limit"`

	OutputPlugins []struct {
		Name     string         `yaml:"name"`
		ArgsType string         `yaml:"args_type"`
		Args     map[string]any `yaml:"args"`
	} `yaml:"output_plugins"`
}

func (m *huntManifest) huntArgs() (hunt.Args, error) {
	args := hunt.Args{
		Name:        m.Name,
		Description: m.Description,
		FlowName:    m.Flow,

		ClientRate:  m.ClientRate,
		ClientLimit: m.ClientLimit,
		Force:       m.Force,

		CPULimit:                   m.CPULimit,
		NetworkBytesLimit:          m.NetworkBytesLimit,
		PerClientCPULimit:          m.PerClientCPULimit,
		PerClientNetworkBytesLimit: m.PerClientNetworkBytesLimit,

		AvgResultsPerClientLimit:      m.AvgResultsPerClientLimit,
		AvgCPUSecondsPerClientLimit:   m.AvgCPUSecondsPerClientLimit,
		AvgNetworkBytesPerClientLimit: m.AvgNetworkBytesPerClientLimit,
	}

	if m.Args != nil {
		typeName := m.ArgsType
		if typeName == "" {
			typeName = m.Flow + "Args"
		}
		doc, err := types.NewDocument(typeName, m.Args)
		if err != nil {
			return args, fmt.Errorf("failed to encode flow args: %w", err)
		}
		args.FlowArgs = doc
	}

	if m.Expiry != "" {
		d, err := time.ParseDuration(m.Expiry)
		if err != nil {
			return args, fmt.Errorf("invalid expiry %q: %w", m.Expiry, err)
		}
		args.Expiry = d
	}

	for _, r := range m.RegexRules {
		args.Regex = append(args.Regex, foreman.RegexClause{Attribute: r.Attribute, Regex: r.Regex})
	}
	for _, r := range m.IntegerRules {
		args.Integer = append(args.Integer, foreman.IntegerClause{
			Attribute: r.Attribute,
			Operator:  foreman.IntegerOperator(r.Operator),
			Value:     r.Value,
		})
	}

	for _, p := range m.OutputPlugins {
		if _, ok := output.LookupPlugin(p.Name); !ok {
			return args, fmt.Errorf("unknown output plugin %q", p.Name)
		}
		desc := hunt.PluginDescriptor{Name: p.Name}
		if p.Args != nil {
			typeName := p.ArgsType
			if typeName == "" {
				typeName = p.Name + "Args"
			}
			doc, err := types.NewDocument(typeName, p.Args)
			if err != nil {
				return args, fmt.Errorf("failed to encode args for plugin %s: %w", p.Name, err)
			}
			desc.Args = doc
		}
		args.OutputPlugins = append(args.OutputPlugins, desc)
	}

	return args, nil
}

func runHuntCreate(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	path, _ := cmd.Flags().GetString("file")

	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var manifest huntManifest
	if err := yaml.Unmarshal(buf, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	args, err := manifest.huntArgs()
	if err != nil {
		return err
	}

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	token := userToken()
	h, err := newHuntManager(opened, newLogger()).Create(ctx, args, token.Username, token)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), h.ID)
	return nil
}

// transitionHunt adapts the start, pause and stop manager operations
// into command handlers.
func transitionHunt(op func(*hunt.Manager, context.Context, types.SessionID, *acl.Token) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		huntID, err := types.ParseSessionID(args[0])
		if err != nil {
			return err
		}

		opened, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer opened.close()

		return op(newHuntManager(opened, newLogger()), ctx, huntID, userToken())
	}
}

func runHuntList(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	limit, _ := cmd.Flags().GetInt("limit")

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	hunts, err := newHuntManager(opened, newLogger()).List(ctx, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tNAME\tFLOW\tCREATOR\tCREATED")
	for _, h := range hunts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			h.ID, h.State, h.Args.Name, h.Args.FlowName, h.Creator,
			humanize.Time(h.Created.Time()))
	}
	return w.Flush()
}

func runHuntStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	huntID, err := types.ParseSessionID(args[0])
	if err != nil {
		return err
	}

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	st, err := newHuntManager(opened, newLogger()).Status(ctx, huntID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	h := st.Hunt
	fmt.Fprintf(out, "Hunt:      %s (%s)\n", h.ID, h.Args.Name)
	fmt.Fprintf(out, "State:     %s", h.State)
	if h.StopReason != "" {
		fmt.Fprintf(out, " (%s)", h.StopReason)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Flow:      %s\n", h.Args.FlowName)
	fmt.Fprintf(out, "Created:   %s by %s\n", humanize.Time(h.Created.Time()), h.Creator)
	fmt.Fprintf(out, "Expires:   %s\n", humanize.Time(h.Expires.Time()))
	fmt.Fprintf(out, "Clients:   %d scheduled, %d started, %d completed, %d with results, %d errored\n",
		st.Counters.ScheduledClients, st.Counters.StartedClients,
		st.Counters.CompletedClients, st.Counters.ClientsWithResults, st.Counters.Errors)
	fmt.Fprintf(out, "Results:   %s\n", humanize.Comma(st.Counters.Results))
	fmt.Fprintf(out, "Resources: %.1f CPU seconds, %s network\n",
		st.CPUUsed, humanize.Bytes(st.NetworkBytesUsed))

	crashes, err := hunt.Crashes(ctx, opened.store, huntID, 0, 0)
	if err != nil {
		return err
	}
	if len(crashes) > 0 {
		fmt.Fprintf(out, "Crashes:   %d clients died while working this hunt\n", len(crashes))
	}

	if len(h.Args.OutputPlugins) > 0 {
		statuses, err := output.Statuses(ctx, opened.store, huntID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Outputs:")
		for _, s := range statuses {
			line := fmt.Sprintf("  %s: %d exported", s.Plugin, s.Offset)
			if s.LastError != "" {
				line += fmt.Sprintf(", last error: %s", s.LastError)
			}
			fmt.Fprintln(out, line)
		}
	}
	return nil
}

func runHuntResults(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	huntID, err := types.ParseSessionID(args[0])
	if err != nil {
		return err
	}
	offset, _ := cmd.Flags().GetInt64("offset")
	limit, _ := cmd.Flags().GetInt64("limit")

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	results, err := flow.Results(ctx, opened.store, huntID, offset, limit)
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
