package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"auction-tracker/backend/internal/security"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Produce admin hashes and development session tokens",
}

var tokenHashCmd = &cobra.Command{
	Use:   "hash <secret>",
	Short: "Print the bcrypt hash of an admin secret for ADMIN_TOKEN_HASH",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenHash,
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <identity>",
	Short: "Issue a session token signed with a CA private key",
	Long: `Issue a session token for identity, signed with the CA private key given by --key
(inline PEM or a file path). Intended for development trackers only.`,
	Args: cobra.ExactArgs(1),
	RunE: runTokenIssue,
}

var (
	hashCost int
	keyPEM   string
	issuer   string
	audience string
	tokenTTL time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenHashCmd, tokenIssueCmd)

	tokenHashCmd.Flags().IntVar(&hashCost, "cost", 0, "bcrypt cost (0 uses the default)")

	tokenIssueCmd.Flags().StringVar(&keyPEM, "key", "", "CA private key, inline PEM or path (required)")
	tokenIssueCmd.Flags().StringVar(&issuer, "issuer", "", "iss claim")
	tokenIssueCmd.Flags().StringVar(&audience, "audience", "", "aud claim")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	_ = tokenIssueCmd.MarkFlagRequired("key")
}

func runTokenHash(cmd *cobra.Command, args []string) error {
	if args[0] == "" {
		return errors.New("secret must not be empty")
	}
	hash, err := security.NewSecretHasher(hashCost).Hash([]byte(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	signer, err := security.ParsePrivateKey(keyPEM)
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	token, _, expiresAt, err := security.NewTokenProvider(signer, issuer, audience, tokenTTL).Issue(args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{"token": token, "expires_at": expiresAt.UTC()})
}
