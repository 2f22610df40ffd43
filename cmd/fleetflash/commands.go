package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oee-monitor/fleetflash/internal/config"
	"github.com/oee-monitor/fleetflash/internal/discovery"
	"github.com/oee-monitor/fleetflash/internal/jobs"
	"github.com/oee-monitor/fleetflash/internal/metrics"
	"github.com/oee-monitor/fleetflash/internal/version"
	"github.com/oee-monitor/fleetflash/pkg/console"
	"github.com/oee-monitor/fleetflash/pkg/debug"
	"github.com/oee-monitor/fleetflash/pkg/env"
)

// deps are the collaborators replaced in tests
type deps struct {
	out        io.Writer
	enumerator discovery.Enumerator
	newDriver  func(tool []string, workDir string) jobs.Driver
	collector  *metrics.Collector
	presenter  jobs.PresenterFactory // nil = terminal progress board
}

func defaultDeps() deps {
	return deps{
		out:        os.Stdout,
		enumerator: discovery.SystemEnumerator{},
		newDriver: func(tool []string, workDir string) jobs.Driver {
			return jobs.NewEsptoolExecutor(tool, workDir)
		},
		collector: metrics.New(metrics.Config{CPUSampleInterval: 200 * time.Millisecond}),
	}
}

// exitError carries the process status out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// flagValues holds the raw command-line values; only flags the user set
// override the loaded settings.
type flagValues struct {
	envFile     string
	debug       bool
	logLevel    string
	match       []string
	usbIDs      []string
	baseDir     string
	tool        string
	chip        string
	baud        int
	flashMode   string
	flashFreq   string
	flashSize   string
	before      string
	after       string
	compress    bool
	sequential  bool
	concurrency int
}

func execute(args []string, d deps) int {
	console.SetWriter(d.out)

	root := newRootCmd(d)
	root.SetArgs(args)
	root.SetOut(d.out)
	root.SetErr(d.out)

	err := root.Execute()
	if err == nil {
		return jobs.ExitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			console.Error("%v", ee.err)
		}
		return ee.code
	}
	console.Error("%v", err)
	return jobs.ExitFailures
}

func newRootCmd(d deps) *cobra.Command {
	fv := &flagValues{}

	root := &cobra.Command{
		Use:   "fleetflash",
		Short: "Flash ESP32 firmware onto every connected USB-serial board at once",
		Long: `fleetflash finds the USB-serial adapters whose description matches a rule
(CH340 by default), starts one esptool process per port and shows the
progress of every port on its own row.

Settings come from, in order of precedence:
  command-line flags
  FLEETFLASH_* keys in the .env file
  FLEETFLASH_* environment variables
  built-in defaults

Exit status: 0 all ports flashed, 1 at least one port failed,
2 no matching port found, 130 interrupted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(cmd, fv)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFlash(ctx, d, settings)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&fv.envFile, "env-file", env.GetOrDefault("FLEETFLASH_ENV_FILE", config.DefaultEnvFile), "Settings file with FLEETFLASH_* keys")
	flags.BoolVar(&fv.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&fv.logLevel, "log-level", "", "Log level when debugging (DEBUG, INFO, WARNING, ERROR)")
	flags.StringSliceVar(&fv.match, "match", nil, "Port description substrings to flash (default CH340)")
	flags.StringSliceVar(&fv.usbIDs, "usb-id", nil, "USB VID:PID pairs to flash, e.g. 1A86:7523")

	local := root.Flags()
	local.StringVar(&fv.baseDir, "base-dir", "", "Directory relative image paths start from (default: executable directory)")
	local.StringVar(&fv.tool, "tool", "", "esptool command (default: python3 -m esptool)")
	local.StringVar(&fv.chip, "chip", "", "Target chip (default esp32s3)")
	local.IntVar(&fv.baud, "baud", 0, "Serial baud rate (default 460800)")
	local.StringVar(&fv.flashMode, "flash-mode", "", "Flash mode (default dio)")
	local.StringVar(&fv.flashFreq, "flash-freq", "", "Flash frequency (default 80m)")
	local.StringVar(&fv.flashSize, "flash-size", "", "Flash size (default 16MB)")
	local.StringVar(&fv.before, "before", "", "Reset mode before flashing, e.g. default_reset")
	local.StringVar(&fv.after, "after", "", "Reset mode after flashing, e.g. hard_reset")
	local.BoolVarP(&fv.compress, "compress", "z", false, "Compress data during transfer")
	local.BoolVar(&fv.sequential, "sequential", false, "Flash one port at a time")
	local.IntVar(&fv.concurrency, "concurrency", 0, "Maximum ports flashed at once (0 = all)")

	root.AddCommand(newPortsCmd(d, fv), newVersionCmd())
	return root
}

func newPortsCmd(d deps, fv *flagValues) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports and mark the ones that would be flashed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings(cmd, fv)
			if err != nil {
				return err
			}
			rules, err := settings.Rules()
			if err != nil {
				return &exitError{code: jobs.ExitFailures, err: err}
			}

			all, err := discovery.New(d.enumerator).All()
			if err != nil {
				return &exitError{code: jobs.ExitFailures, err: err}
			}
			if len(all) == 0 {
				console.Warning("No serial ports found")
				return nil
			}

			out := cmd.OutOrStdout()
			for _, ep := range all {
				marker := " "
				if rules.Match(ep) {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %-16s %-40s %s\n", marker, ep.Name, ep.Description, ep.HardwareID())
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fleetflash version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// loadSettings layers the flags the user set over the loaded settings and
// applies the logging configuration.
func loadSettings(cmd *cobra.Command, fv *flagValues) (*config.Settings, error) {
	// flags first so --debug covers the loading itself
	if fv.debug {
		os.Setenv("DEBUG", "true")
		os.Setenv("LOG_LEVEL", "DEBUG")
		debug.Reinitialize()
	}

	settings, err := config.Load(fv.envFile)
	if err != nil {
		return nil, &exitError{code: jobs.ExitFailures, err: err}
	}

	changed := cmd.Flags().Changed
	if changed("debug") {
		settings.Debug = fv.debug
	}
	if changed("log-level") {
		settings.LogLevel = strings.ToUpper(fv.logLevel)
	}
	if changed("match") {
		settings.Match = fv.match
	}
	if changed("usb-id") {
		settings.USBIDs = fv.usbIDs
	}
	if changed("base-dir") {
		settings.BaseDir = fv.baseDir
	}
	if changed("tool") {
		settings.Tool = fv.tool
	}
	if changed("chip") {
		settings.Chip = fv.chip
	}
	if changed("baud") {
		settings.Baud = fv.baud
	}
	if changed("flash-mode") {
		settings.FlashMode = fv.flashMode
	}
	if changed("flash-freq") {
		settings.FlashFreq = fv.flashFreq
	}
	if changed("flash-size") {
		settings.FlashSize = fv.flashSize
	}
	if changed("before") {
		settings.Before = fv.before
	}
	if changed("after") {
		settings.After = fv.after
	}
	if changed("compress") {
		settings.Compress = fv.compress
	}
	if changed("concurrency") {
		settings.Concurrency = fv.concurrency
	}
	if changed("sequential") && fv.sequential {
		settings.Concurrency = 1
	}

	settings.ApplyLogging()
	debug.Info("Debug logging initialized - Debug enabled: %v", debug.IsEnabled)
	return settings, nil
}

// runFlash discovers the ports, flashes them and reports the result.
func runFlash(ctx context.Context, d deps, settings *config.Settings) error {
	rules, err := settings.Rules()
	if err != nil {
		return &exitError{code: jobs.ExitFailures, err: err}
	}
	baseDir, err := settings.BaseDirectory()
	if err != nil {
		return &exitError{code: jobs.ExitFailures, err: err}
	}
	flashConfig, err := settings.FlashConfig(baseDir)
	if err != nil {
		return &exitError{code: jobs.ExitFailures, err: err}
	}

	endpoints, err := discovery.New(d.enumerator).Discover(rules)
	if err != nil {
		return &exitError{code: jobs.ExitFailures, err: err}
	}
	if len(endpoints) == 0 {
		console.Warning("%v (rules: %s)", jobs.ErrNoEndpoints, describeRules(rules))
		result := &jobs.Result{}
		_ = jobs.WriteSummary(d.out, result)
		return &exitError{code: jobs.ExitCode(result, 0, nil)}
	}

	ports := discovery.Names(endpoints)
	console.Info("Images from %s", baseDir)
	console.Status("Flashing %d port(s): %s", len(ports), strings.Join(ports, ", "))

	manager := jobs.NewFlashManager(d.newDriver(settings.ToolCommand(), baseDir), settings.Concurrency)
	if d.presenter != nil {
		manager.SetPresenterFactory(d.presenter)
	}
	if d.collector != nil && debug.IsEnabled {
		manager.SetCollector(d.collector)
	}

	result, runErr := manager.Run(ctx, jobs.BuildJobs(ports, flashConfig))
	if err := jobs.WriteSummary(d.out, result); err != nil {
		debug.Warning("Failed to write summary: %v", err)
	}

	code := jobs.ExitCode(result, len(endpoints), runErr)
	switch code {
	case jobs.ExitOK:
		console.Success("All %d port(s) flashed", len(endpoints))
		return nil
	case jobs.ExitInterrupted:
		console.Warning("Interrupted; esptool processes already started keep running")
	}
	return &exitError{code: code}
}

func describeRules(rules discovery.Rules) string {
	var parts []string
	for _, d := range rules.Descriptions {
		parts = append(parts, fmt.Sprintf("description contains %q", d))
	}
	for _, id := range rules.USBIDs {
		parts = append(parts, "USB id "+id.String())
	}
	return strings.Join(parts, " or ")
}
