package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/types"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "inspect and pre-register fleet clients",
}

var clientListCmd = &cobra.Command{
	Use:   "list",
	Short: "list enrolled clients",
	RunE:  runClientList,
}

var clientShowCmd = &cobra.Command{
	Use:   "show <client-id>",
	Short: "show a client's attributes and labels",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientShow,
}

var clientBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "generate client credentials for self-enrolment",
	Long: `Build mints a client id and communication key and prints the YAML
credentials bundle, without touching the datastore. The client presents
the key in its enrolment request on first contact.`,
	RunE: runClientBuild,
}

var clientDeployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "pre-register a client and print its credentials",
	Long: `Deploy mints a client id and communication key, stores the key, and
prints a YAML credentials bundle for the endpoint installer. Clients
normally self-enrol on first contact; deploy is for fleets where keys
are distributed out of band instead.`,
	RunE: runClientDeploy,
}

func init() {
	clientListCmd.Flags().Int("limit", 100, "maximum clients to list")
	clientBuildCmd.Flags().String("server", "", "frontend URL written into the bundle")
	clientCmd.AddCommand(clientListCmd, clientShowCmd, clientBuildCmd, clientDeployCmd)
	RootCmd.AddCommand(clientCmd)
}

func runClientBuild(cmd *cobra.Command, _ []string) error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate comms key: %w", err)
	}
	server, _ := cmd.Flags().GetString("server")

	buf, err := yaml.Marshal(clientCredentials{
		ClientID: string(types.NewClientID()),
		CommsKey: hex.EncodeToString(key),
		Server:   server,
	})
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(buf)
	return err
}

func runClientList(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	limit, _ := cmd.Flags().GetInt("limit")

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	subjects, err := opened.store.ScanSubjects(ctx, "clients/", limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tHOSTNAME\tOS\tVERSION\tLAST SEEN")
	for _, subject := range subjects {
		recs, err := opened.store.ResolveMulti(ctx, subject, []string{
			types.ClientHostnamePredicate,
			types.ClientOSPredicate,
			types.ClientVersionPredicate,
			types.ClientPingPredicate,
		}, datastore.Newest())
		if err != nil {
			return err
		}

		byPredicate := make(map[string][]byte, len(recs))
		for _, rec := range recs {
			byPredicate[rec.Predicate] = rec.Value
		}

		lastSeen := ""
		if v, err := datastore.DecodeInt(byPredicate[types.ClientPingPredicate]); err == nil {
			lastSeen = humanize.Time(types.Timestamp(v).Time())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			strings.TrimPrefix(subject, "clients/"),
			byPredicate[types.ClientHostnamePredicate],
			byPredicate[types.ClientOSPredicate],
			byPredicate[types.ClientVersionPredicate],
			lastSeen)
	}
	return w.Flush()
}

func runClientShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	clientID, err := types.ParseClientID(args[0])
	if err != nil {
		return err
	}

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	recs, err := opened.store.ResolvePrefix(ctx, clientID.Subject(), "", datastore.Newest())
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("unknown client %s", clientID)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, rec := range recs {
		// The comms key authenticates the client; never print it.
		if rec.Predicate == types.ClientCommsKeyPredicate {
			continue
		}
		value := string(rec.Value)
		switch rec.Predicate {
		case types.ClientPingPredicate, types.ClientFirstSeenPredicate,
			types.ClientInstallTimePredicate, types.ClientBootTimePredicate:
			if v, err := datastore.DecodeInt(rec.Value); err == nil {
				value = types.Timestamp(v).Time().UTC().Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%s\t%s\n", rec.Predicate, value)
	}
	return w.Flush()
}

// clientCredentials is the YAML bundle deploy hands to the installer.
type clientCredentials struct {
	ClientID string `yaml:"client_id"`
	CommsKey string `yaml:"comms_key"`
	Server   string `yaml:"server,omitempty"`
}

func runClientDeploy(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	opened, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer opened.close()

	clientID := types.NewClientID()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate comms key: %w", err)
	}

	ds := opened.store
	now := ds.Now()
	if err := ds.Set(ctx, clientID.Subject(), types.ClientCommsKeyPredicate, key, now, true); err != nil {
		return fmt.Errorf("failed to store comms key: %w", err)
	}
	if err := ds.Set(ctx, clientID.Subject(), types.ClientFirstSeenPredicate, datastore.EncodeInt(int64(now)), now, true); err != nil {
		return fmt.Errorf("failed to store first seen: %w", err)
	}

	buf, err := yaml.Marshal(clientCredentials{
		ClientID: string(clientID),
		CommsKey: hex.EncodeToString(key),
	})
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(buf)
	return err
}
