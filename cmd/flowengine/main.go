package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sarar04/flowengine/internal/cli"
)

var rootCmd = &cobra.Command{Use: "flowengine"}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string")
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
