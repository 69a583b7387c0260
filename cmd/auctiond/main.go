package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	redisAddr  string
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "auctiond",
		Short: "Auction-based task dispatch daemon",
		Long:  "Run the Coordinator and a pool of Agents via the daemon command",
	}

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "Redis address for the broker (empty selects in-memory)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
