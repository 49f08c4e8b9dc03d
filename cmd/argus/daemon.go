package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/argus-monitor/argus/pkg/config"
	"github.com/argus-monitor/argus/pkg/log"
	"github.com/argus-monitor/argus/pkg/metrics"
	"github.com/argus-monitor/argus/pkg/persist"
	"github.com/argus-monitor/argus/pkg/runtime"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the monitoring daemon",
	Long: `Run the monitoring daemon: schedule active checks, process results,
send notifications, and serve cluster connections until stopped.

RESTART_PROCESS on the external command bus reloads the configuration
in place; SIGINT and SIGTERM shut down after a final state snapshot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

		for {
			restart, err := runDaemon(configPath)
			if err != nil {
				return err
			}
			if !restart {
				return nil
			}
			log.WithComponent("main").Info().Msg("Restart requested, reloading configuration")
		}
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		doc, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// Linking catches dangling references validation cannot see.
		if _, err := runtime.New(doc, nil); err != nil {
			return err
		}
		fmt.Printf("Configuration %s is valid: %d hosts, %d commands, %d endpoints\n",
			configPath, len(doc.Hosts), len(doc.Commands), len(doc.Endpoints))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{daemonCmd, verifyCmd} {
		c.Flags().String("config", "/etc/argus/argus.yaml", "Path to the configuration file")
	}
	daemonCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	daemonCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")
}

// runDaemon runs one daemon lifecycle. It returns true when the runtime
// asked for an in-place restart.
func runDaemon(configPath string) (bool, error) {
	doc, err := config.Load(configPath)
	if err != nil {
		return false, err
	}

	rt, err := runtime.New(doc, nil)
	if err != nil {
		return false, err
	}

	if doc.StateFile != "" {
		states, _, err := persist.Load(doc.StateFile)
		if err != nil {
			log.WithComponent("main").Warn().
				Err(err).
				Str("path", doc.StateFile).
				Msg("Could not load state snapshot, starting cold")
		} else if len(states) > 0 {
			rt.RestoreState(states)
			log.WithComponent("main").Info().
				Int("objects", len(states)).
				Msg("Restored state snapshot")
		}
	}

	if err := rt.Start(); err != nil {
		return false, err
	}

	var metricsSrv *http.Server
	if doc.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: doc.MetricsListen, Handler: mux}
		go func() {
			log.WithComponent("main").Info().
				Str("addr", doc.MetricsListen).
				Msg("Serving metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithComponent("main").Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	restart := false
	select {
	case sig := <-sigCh:
		log.WithComponent("main").Info().
			Str("signal", sig.String()).
			Msg("Shutting down")
	case restart = <-rt.ShutdownSignal():
	}
	signal.Stop(sigCh)

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(ctx)
		cancel()
	}
	rt.Stop()
	return restart, nil
}
