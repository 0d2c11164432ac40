// Command rari is the gateway's CLI: it serves the render/control-surface
// HTTP API, and offers a handful of operator subcommands (component
// registration, route inspection, cache stats) that talk to a running
// gateway instance over HTTP.
//
// Grounded on oriys-nova's cmd/nova (a cobra root command with a
// --config/--redis persistent flag set and one function per subcommand)
// generalized from a Redis-backed function store to rari's file-based
// config plus an HTTP client against a running gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	serverAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rari",
		Short: "rari - server-side renderer and HTTP gateway for component-driven pages",
		Long:  "rari serves React-Server-Components-style pages over HTTP, negotiating wire vs HTML rendering, and exposes an operator control surface for component registration and cache management.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (optional, env vars and flags override)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:3000", "Gateway base URL, for operator subcommands")

	rootCmd.AddCommand(
		serveCmd(),
		registerCmd(),
		routeInfoCmd(),
		cacheCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
