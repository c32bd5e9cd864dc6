// mockproc is a fixture subprocess for tests and demos. It emits
// newline-delimited JSON records on stdout, echoes input lines back as
// records, and exits on command.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/runmux/runmux/internal/ndjson"
)

func main() {
	ticks := flag.Int("ticks", 3, "Number of tick records to emit")
	interval := flag.Duration("interval", 10*time.Millisecond, "Delay between ticks")
	exitCode := flag.Int("exit-code", 0, "Exit code after the stream finishes")
	noEnd := flag.Bool("no-end", false, "Exit without emitting an end record")
	badLine := flag.Bool("bad-line", false, "Emit one malformed line between ticks")
	echo := flag.Bool("echo", false, "Echo stdin lines back as input_ack records")
	hang := flag.Bool("hang", false, "Never exit on our own (wait for a signal)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	runID := uuid.New().String()[:8]
	logger.Info("mockproc starting", "run_id", runID, "pid", os.Getpid())

	encoder := ndjson.NewEncoder(os.Stdout, logger)

	emit := func(v any) {
		if err := encoder.Encode(v); err != nil {
			logger.Error("failed to emit record", "error", err)
			os.Exit(1)
		}
	}

	if *echo {
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				emit(map[string]any{
					"type":  "input_ack",
					"input": scanner.Text(),
				})
			}
		}()
	}

	for i := 0; i < *ticks; i++ {
		emit(map[string]any{
			"type":   "tick",
			"seq":    i,
			"run_id": runID,
		})
		if *badLine && i == 0 {
			// Deliberately malformed output, bypassing the encoder.
			fmt.Println(`{"type":"tick","seq":`)
		}
		time.Sleep(*interval)
	}

	if *hang {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
		logger.Info("mockproc hanging until signalled")
		<-sig
		logger.Info("mockproc received signal, exiting")
		os.Exit(*exitCode)
	}

	if !*noEnd {
		emit(map[string]any{
			"type":   "end",
			"run_id": runID,
		})
	}

	os.Exit(*exitCode)
}
