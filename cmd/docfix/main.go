// DocFix validates a repository's documentation pages inside a sandbox,
// fixes what is broken and opens a pull request that reviewers can steer
// with plain-language feedback.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	serverURL  string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "docfix",
	Short: "DocFix - validate and fix documentation",
	Long: `DocFix runs the commands in your documentation inside a sandbox, fixes
what is broken and opens a pull request.

  docfix serve                              Start the server
  docfix start --repo owner/docs            Start a session and list pages
  docfix pages <id> 1-3,7                   Validate and fix selected pages
  docfix feedback <id> "revert the fix"     Apply reviewer feedback
  docfix status <id>                        Show a session
  docfix logs <id> --follow                 Stream session events
  docfix finish <id>                        Finish a session`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("DOCFIX_API_URL", "http://localhost:7080"), "DocFix server URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.docfix/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
