package cmd

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/surge/internal/app"
	"github.com/surge-downloader/surge/internal/config"
	"github.com/surge-downloader/surge/internal/tui"
	"github.com/surge-downloader/surge/internal/utils"

	tea "github.com/charmbracelet/bubbletea"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "surge",
	Short:   "A concurrent, resumable download manager written in Go",
	Long:    `Surge splits a download across multiple HTTP range requests and merges the pieces once every chunk finishes.`,
	Version: Version,
	Run:     runRoot,
}

func runRoot(cmd *cobra.Command, args []string) {
	isMaster, err := AcquireLock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error acquiring lock: %v\n", err)
		os.Exit(1)
	}
	if !isMaster {
		fmt.Fprintln(os.Stderr, "Error: surge is already running.")
		fmt.Fprintln(os.Stderr, "Use 'surge add <url>' to add a download to the active instance.")
		os.Exit(1)
	}
	defer ReleaseLock()

	portFlag, _ := cmd.Flags().GetInt("port")
	headless, _ := cmd.Flags().GetBool("headless")

	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading settings: %v\n", err)
		os.Exit(1)
	}
	if dir, _ := cmd.Flags().GetString("output"); dir != "" {
		settings.DefaultDownloadDir = dir
	}

	a, err := app.New(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting surge: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	port, listener := bindListener(portFlag)
	if listener == nil {
		fmt.Fprintln(os.Stderr, "Error: could not bind to any port")
		os.Exit(1)
	}
	if err := app.SavePort(port); err != nil {
		utils.Debug("save port file: %v", err)
	}
	defer app.RemovePort()

	server := &http.Server{Handler: a.Handler()}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			utils.Debug("control plane server error: %v", err)
		}
	}()

	if headless {
		fmt.Printf("surge %s running in headless mode, control plane on port %d\n", Version, port)
		fmt.Println("Press Ctrl+C to exit.")
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		fmt.Println("\nShutting down...")
		return
	}

	model := tui.NewModel(a.Moderator, port)
	program := tea.NewProgram(model, tea.WithAltScreen())
	a.Moderator.AddListener(tui.NewBridge(program), nil)
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bindListener binds to portFlag if given, or the first free port
// starting at 8080.
func bindListener(portFlag int) (int, net.Listener) {
	if portFlag > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", portFlag))
		if err != nil {
			return 0, nil
		}
		return portFlag, ln
	}
	for port := 8080; port < 8180; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return port, ln
		}
	}
	return 0, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().Bool("headless", false, "run without the terminal dashboard")
	rootCmd.Flags().IntP("port", "p", 0, "control-plane port (default: first free port from 8080)")
	rootCmd.Flags().StringP("output", "o", "", "default output directory for new downloads")
	rootCmd.SetVersionTemplate("surge version {{.Version}}\n")
}
