// Command foreman runs the chat-driven job execution engine and provides a
// small client for talking to a running instance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "foreman",
	Short:         "Sequential job execution engine driven by chat prompts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080",
		"base URL of a running foreman server (client commands only)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
