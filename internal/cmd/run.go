package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/foreman/internal/domain"
	"github.com/kestrelworks/foreman/internal/service"
)

var runMode string

var runCmd = &cobra.Command{
	Use:   "run [request text]",
	Short: "Create a session and drive it to completion",
	Long:  `Create a new orchestration session for the given request and run the scheduling loop until the session closes.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [session_id]",
	Short: "Resume an interrupted session",
	Long:  `Rebuild scheduling state from the ledger and continue an interrupted session. Completed turns are not repeated.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", string(domain.SessionModeFanout), "session mode (SINGLE or FANOUT)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	svc := service.New(rt.store, rt.dist)
	session, err := svc.CreateSession(ctx, service.CreateSessionRequest{
		Mode:        domain.SessionMode(runMode),
		RequestText: args[0],
	})
	if err != nil {
		return err
	}
	log.Printf("Created session %s", session.SessionID)

	if err := rt.scheduler.Run(ctx, session.SessionID); err != nil {
		return fmt.Errorf("session %s: %w", session.SessionID, err)
	}
	log.Printf("Session %s finished", session.SessionID)
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	sessionID := args[0]
	svc := service.New(rt.store, rt.dist)
	if err := svc.ResumeSession(ctx, sessionID); err != nil {
		return err
	}
	log.Printf("Resuming session %s", sessionID)

	if err := rt.scheduler.Run(ctx, sessionID); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	log.Printf("Session %s finished", sessionID)
	return nil
}
