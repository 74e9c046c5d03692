package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("agentd", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
