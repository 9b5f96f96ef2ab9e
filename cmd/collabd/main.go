package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/Polqt/collabd/server"
	"github.com/Polqt/collabd/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		storage    string
		badgerDir  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "collabd",
		Short: "Real-time collaborative text-editing server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("storage") {
				cfg.Storage = storage
			}
			if cmd.Flags().Changed("badger-dir") {
				cfg.BadgerDir = badgerDir
			}
			return run(cfg, logLevel)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override listen_addr")
	cmd.Flags().StringVar(&storage, "storage", "", "override storage backend (memory|badger)")
	cmd.Flags().StringVar(&badgerDir, "badger-dir", "", "override badger_dir")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	return cmd
}

func run(cfg server.Config, logLevel string) error {
	log := server.ConfigureLogging(logLevel)

	ctx, err := server.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := ctx.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("error closing storage backend")
		}
	}()

	handler := transport.NewHandler(ctx)

	router := mux.NewRouter()
	router.HandleFunc("/ws/{doc_id}", handler.ServeHTTP)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithField("listen_addr", cfg.ListenAddr).Info("collabd listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-shutdownCtx.Done()
	log.Info("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(drainCtx)
}
