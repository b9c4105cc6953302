package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause every in-flight chunk across all tasks",
	Run: func(cmd *cobra.Command, args []string) {
		client, err := dialRunningInstance()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := client.post("/pause", nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error pausing: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Paused.")
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
}
