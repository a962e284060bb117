package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/web"
)

var (
	webAddr     string
	webInterval time.Duration
)

var webCmd = &cobra.Command{
	Use:     "web",
	GroupID: GroupServices,
	Short:   "Serve the browser dashboard",
	Long: `Serve the fleet dashboard over HTTP. The page streams live snapshots
of sessions, mail, and the merge queue. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWeb,
}

func init() {
	webCmd.Flags().StringVar(&webAddr, "addr", "127.0.0.1:4140", "Listen address")
	webCmd.Flags().DurationVar(&webInterval, "interval", 0, "Snapshot refresh interval (0 for default)")
	rootCmd.AddCommand(webCmd)
}

func runWeb(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sources, err := a.sources()
	if err != nil {
		return err
	}

	srv := web.New(webAddr, sources)
	srv.Interval = webInterval
	srv.Output = out()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
