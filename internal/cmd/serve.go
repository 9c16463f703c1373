package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ctrlplane/internal/config"
	"ctrlplane/internal/daemon"
)

// newServeCmd runs the daemon in the foreground: a Registry, Broker and WS
// transport mounted on one HTTP listener, torn down on SIGINT/SIGTERM.
func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ctrlplaned daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			srv := &http.Server{Addr: addr, Handler: d.Handler()}

			errCh := make(chan error, 1)
			go func() {
				fmt.Fprintf(cmd.OutOrStdout(), "ctrlplaned listening on %s\n", addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case <-sigCh:
				return srv.Close()
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7171", "address to listen on")
	return cmd
}
