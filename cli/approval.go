package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/acl"
	"github.com/quarryhq/quarry/hooks"
	"github.com/quarryhq/quarry/types"
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "request and grant access approvals",
	Long: `Writes to clients and hunts need a granted approval. Request one,
have another user grant it, then rerun the guarded command.

  quarry approval request C.1234567890abcdef --reason "IR ticket 4711" --notify alice
  quarry --user alice approval grant C.1234567890abcdef --requester bob --reason "IR ticket 4711"`,
}

var approvalRequestCmd = &cobra.Command{
	Use:   "request <client-id|hunt-id|subject>",
	Short: "request access to a target",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalRequest,
}

var approvalGrantCmd = &cobra.Command{
	Use:   "grant <client-id|hunt-id|subject>",
	Short: "grant another user's pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalGrant,
}

var approvalListCmd = &cobra.Command{
	Use:   "list",
	Short: "list the acting user's approvals",
	RunE:  runApprovalList,
}

var approvalBreakGlassCmd = &cobra.Command{
	Use:   "break-glass <client-id|hunt-id|subject>",
	Short: "grant yourself emergency access, loudly audited",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalBreakGlass,
}

func init() {
	approvalRequestCmd.Flags().StringSlice("notify", nil, "users asked to approve")
	approvalRequestCmd.Flags().StringSlice("cc", nil, "addresses copied on approval traffic")
	approvalGrantCmd.Flags().String("requester", "", "user whose request to grant (required)")
	approvalGrantCmd.MarkFlagRequired("requester")

	approvalCmd.AddCommand(approvalRequestCmd, approvalGrantCmd, approvalListCmd, approvalBreakGlassCmd)
	RootCmd.AddCommand(approvalCmd)
}

func newACLManager(opened *openedStore) *acl.Manager {
	return acl.NewManager(opened.store, hooks.NewRegistry(), nil)
}

// approvalTarget resolves a command line target to a datastore subject.
// Client and session ids become their subjects; anything else is taken
// as a literal subject path.
func approvalTarget(arg string) string {
	if clientID, err := types.ParseClientID(arg); err == nil {
		return clientID.Subject()
	}
	if sessionID, err := types.ParseSessionID(arg); err == nil {
		return sessionID.Subject()
	}
	return arg
}

func runApprovalRequest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	notify, _ := cmd.Flags().GetStringSlice("notify")
	cc, _ := cmd.Flags().GetStringSlice("cc")

	token := userToken()
	if token.Reason == "" {
		return fmt.Errorf("--reason is required when requesting access")
	}

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	subject, err := newACLManager(opened).RequestApproval(ctx, token, approvalTarget(args[0]), notify, cc)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "requested:", subject)
	return nil
}

func runApprovalGrant(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	requester, _ := cmd.Flags().GetString("requester")

	token := userToken()
	if token.Reason == "" {
		return fmt.Errorf("--reason must match the request being granted")
	}

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	return newACLManager(opened).GrantApproval(ctx, token, approvalTarget(args[0]), requester, token.Reason)
}

func runApprovalList(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	approvals, err := newACLManager(opened).ListApprovals(ctx, userToken().Username)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tREASON\tAPPROVERS\tEXPIRES")
	for _, a := range approvals {
		approvers := strings.Join(a.Approvers, ",")
		if a.IsEmergency {
			approvers = "BREAK-GLASS"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			a.Target, a.Reason, approvers, humanize.Time(a.Expires.Time()))
	}
	return w.Flush()
}

func runApprovalBreakGlass(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	token := userToken()
	if token.Reason == "" {
		return fmt.Errorf("--reason is required for break-glass access")
	}

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	return newACLManager(opened).BreakGlass(ctx, token, approvalTarget(args[0]))
}
