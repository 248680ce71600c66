package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevinKickass/moldsim/internal/archive"
	"github.com/KevinKickass/moldsim/internal/auth"
	"github.com/KevinKickass/moldsim/internal/collector"
	"github.com/KevinKickass/moldsim/internal/config"
	"github.com/KevinKickass/moldsim/internal/labeler"
	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/KevinKickass/moldsim/internal/modbus"
	"github.com/KevinKickass/moldsim/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	configFile string
	cycles     int
	simulated  bool
	lookback   time.Duration
	labelOut   string
	once       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "moldsim",
		Short:         "injection molding telemetry simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the simulator with its Modbus, gRPC, WebSocket and REST endpoints",
		RunE:  serve,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the simulator headless and write readings as CSV to stdout",
		RunE:  runHeadless,
	}
	runCmd.Flags().IntVar(&cycles, "cycles", 0, "number of cycles to run (0 runs until interrupted)")
	runCmd.Flags().BoolVar(&simulated, "simulated", false, "advance simulated time instead of sleeping")

	collectCmd := &cobra.Command{
		Use:   "collect",
		Short: "poll a simulator over Modbus and write rotating CSV logs",
		RunE:  collect,
	}

	labelCmd := &cobra.Command{
		Use:   "label [file...]",
		Short: "mark readings before each part replacement as failures",
		Args:  cobra.MinimumNArgs(1),
		RunE:  label,
	}
	labelCmd.Flags().DurationVar(&lookback, "lookback", labeler.DefaultLookback, "window before a part replacement labeled as failing")
	labelCmd.Flags().StringVar(&labelOut, "out", "labeled", "output directory")

	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "upload finished collector files and delete them after confirmation",
		RunE:  runArchive,
	}
	archiveCmd.Flags().BoolVar(&once, "once", false, "upload once and exit")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration",
		RunE:  printConfig,
	}
	hashCmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "print the argon2id hash for auth.operator_password_hash",
		Args:  cobra.ExactArgs(1),
		RunE:  hashPassword,
	}
	configCmd.AddCommand(hashCmd)

	rootCmd.AddCommand(serveCmd, runCmd, collectCmd, labelCmd, archiveCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	lifecycle, err := system.NewLifecycleManager(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	if err := lifecycle.Start(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case <-lifecycle.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("moldsim stopped")
	return nil
}

// csvSink writes readings in the collector row format. Part replacement
// readings carry failure label 1.
type csvSink struct {
	w *csv.Writer
}

func (s *csvSink) Publish(_ context.Context, r machine.Reading) error {
	row := collector.Row{Reading: r}
	if r.Stage == machine.StagePartReplacement {
		row.FailureLabel = 1
	}
	return s.w.Write(row.Record())
}

func (s *csvSink) Flush(context.Context) error {
	s.w.Flush()
	return s.w.Error()
}

func runHeadless(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	profile, err := system.LoadProfile(cfg)
	if err != nil {
		return err
	}

	var options []machine.Option
	if simulated {
		options = append(options, machine.WithClock(machine.NewManualClock(time.Now())))
	}

	sink := &csvSink{w: csv.NewWriter(cmd.OutOrStdout())}
	orchestrator, err := machine.NewOrchestrator(logger, system.OrchestratorOptions(cfg), profile, sink, options...)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if cycles > 0 {
		err = orchestrator.RunCycles(ctx, cycles)
	} else {
		err = orchestrator.Run(ctx)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func collect(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	c := cfg.Collector
	col, err := collector.New(collector.Options{
		HiRateHz:  c.HiRateHz,
		LoRateHz:  c.LoRateHz,
		MaxFileKB: c.MaxFileKB,
		LogDir:    c.LogDir,
		TrainDir:  c.TrainDir,
	}, collector.NewCaptureFile(c.CaptureFile), logger)
	if err != nil {
		return err
	}

	device := modbus.NewDevice(cfg.Simulator.MachineID, c.ModbusAddress, c.UnitID, c.Timeout)

	ctx, stop := signalContext()
	defer stop()
	return col.Run(ctx, device)
}

func label(cmd *cobra.Command, args []string) error {
	for _, path := range args {
		result, err := labeler.LabelFile(path, labelOut, lookback)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s: %d rows, %d positive\n",
			result.Input, result.Output, result.Rows, result.Positives)
	}
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	a := cfg.Archive
	uploader, err := archive.NewUploader(archive.Options{
		Dirs:       a.Dirs,
		Endpoint:   a.Endpoint,
		MaxRetries: a.MaxRetries,
		Timeout:    a.Timeout,
	}, auth.NewAuthService(cfg.Auth, logger), logger)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if once {
		result, err := uploader.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d, failed %d\n", len(result.Uploaded), len(result.Failed))
		return nil
	}
	return uploader.Run(ctx, a.Interval)
}

func printConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func hashPassword(cmd *cobra.Command, args []string) error {
	hash, err := auth.NewPasswordHasher().HashPassword(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
