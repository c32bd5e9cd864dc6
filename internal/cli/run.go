package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/runmux/runmux/internal/binary"
	"github.com/runmux/runmux/internal/config"
	"github.com/runmux/runmux/internal/events"
	"github.com/runmux/runmux/internal/orchestrator"
	"github.com/runmux/runmux/internal/record"
	"github.com/runmux/runmux/internal/router"
	"github.com/runmux/runmux/internal/session"
	"github.com/runmux/runmux/internal/snapshot"
	"github.com/runmux/runmux/internal/transcript"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <executable> [args...]",
	Short: "Run one subprocess session to completion, streaming its records",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSession,
}

func init() {
	runCmd.Flags().Duration("deadline", 0, "Session deadline (0 = none beyond the configured default)")
	runCmd.Flags().String("snapshot-dir", ".runmux/snapshots", "Directory for captured session snapshots")
	runCmd.Flags().String("event-log", "", "Optional NDJSON lifecycle event log path")
	runCmd.Flags().Bool("capture", false, "Capture a snapshot after the session settles")
	runCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

func runSession(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	deadline, _ := cmd.Flags().GetDuration("deadline")
	snapshotDir, _ := cmd.Flags().GetString("snapshot-dir")
	eventLogPath, _ := cmd.Flags().GetString("event-log")
	capture, _ := cmd.Flags().GetBool("capture")
	verbose, _ := cmd.Flags().GetBool("verbose")

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := snapshot.NewFileStore(snapshotDir)
	if err != nil {
		return err
	}

	orch := orchestrator.New(cfg, &binary.PathResolver{VersionArg: "--version"}, store, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod()+time.Second)
		defer cancel()
		_ = orch.Close(closeCtx)
	}()

	if eventLogPath != "" {
		eventLog, err := events.NewLog(eventLogPath, logger)
		if err != nil {
			return err
		}
		defer eventLog.Close()
		detach := eventLog.Attach(orch.Events())
		defer detach()
	}

	var sessionDeadline time.Time
	if deadline > 0 {
		sessionDeadline = time.Now().UTC().Add(deadline)
	}

	id, err := orch.Create(cmd.Context(), orchestrator.CreateOptions{
		Executable: args[0],
		Args:       args[1:],
		Deadline:   sessionDeadline,
	})
	if err != nil {
		return err
	}

	formatter := transcript.NewFormatter()
	if err := orch.SetDefaultHandler(id, router.HandlerFunc(func(rec *record.Record) (router.Disposition, error) {
		fmt.Println(formatter.FormatRecord(rec))
		return router.Continue, nil
	})); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx, id); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = orch.Cancel(id, "interrupted")
	}()

	state, err := orch.AwaitCompletion(context.Background(), id, 0)
	if err != nil {
		return err
	}

	if capture {
		snap, err := orch.CaptureState(id)
		if err != nil {
			return err
		}
		fmt.Printf("Captured snapshot %s\n", snap.SnapshotID)
	}

	status, err := orch.GetStatus(id)
	if err != nil {
		return err
	}
	fmt.Println(formatter.FormatStatus(status))

	if state != session.StateCompleted && state != session.StateStopped {
		return fmt.Errorf("session ended %s: %s", state, status.LastError)
	}
	return nil
}

// loadConfig reads the config file, falling back to defaults when the
// default path is absent.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.GenerateDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
