package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"auction-tracker/backend/internal/client"
)

const defaultURL = "http://127.0.0.1:5555"

var rootCmd = &cobra.Command{
	Use:   "brokerctl",
	Short: "Operate an auction tracker",
	Long: `brokerctl talks to a running auction tracker over its HTTP API.

Flags may also be set from the environment:
  TRACKER_URL          tracker base URL
  TRACKER_ADMIN_TOKEN  admin bearer secret for /admin routes`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("url", defaultURL, "Tracker base URL")
	rootCmd.PersistentFlags().String("admin-token", "", "Admin bearer secret")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "Request timeout")
	_ = viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
	_ = viper.BindPFlag("admin_token", rootCmd.PersistentFlags().Lookup("admin-token"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.SetEnvPrefix("TRACKER")
	viper.AutomaticEnv()
}

func newClient() *client.Client {
	return client.New(viper.GetString("url"), client.WithAdminToken(viper.GetString("admin_token")))
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
