package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"auction-tracker/backend/internal/client"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List active peers",
	Long:  `List peers whose session was seen within the tracker's liveness window.`,
	Args:  cobra.NoArgs,
	RunE:  runPeers,
}

var leaderCmd = &cobra.Command{
	Use:   "leader <auction_id>",
	Short: "Show an auction's leading pseudonym",
	Args:  cobra.ExactArgs(1),
	RunE:  runLeader,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <auction_id> <pseudonym>",
	Short: "Resolve a pseudonym to the identity bound to it",
	Args:  cobra.ExactArgs(2),
	RunE:  runResolve,
}

var purgeCmd = &cobra.Command{
	Use:   "purge <auction_id>",
	Short: "Remove every pseudonym binding of an auction",
	Long: `Remove every pseudonym binding of an auction once its winner has been settled.
Requires --admin-token (or TRACKER_ADMIN_TOKEN).`,
	Args: cobra.ExactArgs(1),
	RunE: runPurge,
}

func init() {
	rootCmd.AddCommand(peersCmd, leaderCmd, resolveCmd, purgeCmd)
}

func runPeers(cmd *cobra.Command, _ []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	peers, err := newClient().Peers(ctx)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no active peers")
		return nil
	}
	for _, p := range peers {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s:%d\n", p.PeerID, p.Host, p.Port)
	}
	return nil
}

func runLeader(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	pseudonym, ok, err := newClient().Leader(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "auction %s has no leader\n", args[0])
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), pseudonym)
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	peerID, err := newClient().Resolve(ctx, args[0], args[1])
	if client.IsNotFound(err) {
		return fmt.Errorf("pseudonym %s is not bound in auction %s", args[1], args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), peerID)
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	n, err := newClient().Purge(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{"auction_id": args[0], "removed": n})
}
