package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"kill"},
	Short:   "Cancel a task and drop its persisted progress",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %q is not a task id\n", args[0])
			os.Exit(1)
		}

		client, err := dialRunningInstance()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := client.delete(fmt.Sprintf("/tasks/%d", id), nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error removing task %d: %v\n", id, err)
			os.Exit(1)
		}
		fmt.Printf("Removed task %d\n", id)
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}
