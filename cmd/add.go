package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/surge/internal/app"
	"github.com/surge-downloader/surge/internal/clipboard"
)

var addCmd = &cobra.Command{
	Use:     "add <url>...",
	Aliases: []string{"get"},
	Short:   "Add one or more downloads to the running surge instance",
	Args:    cobra.ArbitraryArgs,
	Run:     runAdd,
}

func runAdd(cmd *cobra.Command, args []string) {
	batchFile, _ := cmd.Flags().GetString("batch")
	output, _ := cmd.Flags().GetString("output")
	connections, _ := cmd.Flags().GetInt("connections")

	urls := append([]string{}, args...)
	if batchFile != "" {
		fromFile, err := readURLsFromFile(batchFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading batch file: %v\n", err)
			os.Exit(1)
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 {
		if fromClipboard := clipboard.ReadURL(); fromClipboard != "" {
			fmt.Printf("Using URL from clipboard: %s\n", fromClipboard)
			urls = append(urls, fromClipboard)
		}
	}
	if len(urls) == 0 {
		cmd.Help()
		return
	}

	client, err := dialRunningInstance()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	failed := 0
	for _, url := range urls {
		var created map[string]int64
		err := client.post("/tasks", app.AddTaskRequest{
			URL:            url,
			DestPath:       output,
			MaxConnections: connections,
		}, &created)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error adding %s: %v\n", url, err)
			failed++
			continue
		}
		fmt.Printf("Added %s as task %d\n", url, created["id"])
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func readURLsFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			urls = append(urls, line)
		}
	}
	return urls, scanner.Err()
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().String("batch", "", "file of URLs to add, one per line")
	addCmd.Flags().StringP("output", "o", "", "destination path for a single URL")
	addCmd.Flags().IntP("connections", "c", 0, "max connections for this task (0: use the default)")
}
