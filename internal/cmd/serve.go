package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/foreman/internal/service"
	transport "github.com/kestrelworks/foreman/internal/transport/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator HTTP server",
	Long:  `Serve the ledger API for workers and operator tooling. Scheduling runs are started separately with the run command.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	svc := service.New(rt.store, rt.dist)
	server := transport.NewServer(svc)

	go func() {
		addr := fmt.Sprintf(":%d", rt.cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Printf("API started on port %d", rt.cfg.HTTPPort)
	log.Printf("Database: %s", rt.cfg.DatabaseURL)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}
	return nil
}
