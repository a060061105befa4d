package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/gspctl/internal/config"
	"github.com/danmuck/gspctl/internal/datalogger"
	"github.com/danmuck/gspctl/internal/logging"
	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/retry"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "gspctl",
		Short:         "Manage GSP datalogger devices over BLE",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
			logging.SetVerbose(opts.verbose)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default ./gspctl.toml when present)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	flags.StringArrayVarP(&opts.serials, "serial", "s", nil, "device serial suffix (repeatable)")
	flags.BoolVar(&opts.simulate, "simulate", false, "use simulated in-memory devices instead of BlueZ")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")

	root.AddCommand(
		newStatusCmd(opts),
		newConfigCmd(opts),
		newLoggerStateCmd(opts, "start", "Start logging", (*datalogger.Engine).Start),
		newLoggerStateCmd(opts, "stop", "Stop logging", (*datalogger.Engine).Stop),
		newFetchCmd(opts),
		newEraseCmd(opts),
		newGetCmd(opts),
		newSetTimeCmd(opts),
		newResetCmd(opts),
		newDecodeCmd(opts),
		newGenConfigCmd(),
	)
	return root
}

// deviceCommand runs op built from the engine on every selected device
// and prints each success with show.
func deviceCommand(cmd *cobra.Command, opts *rootOptions, build func(*datalogger.Engine) (retry.Op, error), show func(io.Writer, retry.Success)) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer a.close()

	op, err := build(a.engine)
	if err != nil {
		return err
	}
	report := a.run(ctx, op)
	out := cmd.OutOrStdout()
	for _, s := range report.Succeeded {
		show(out, s)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(out, "%s: FAILED after %d attempt(s): %v\n", f.Serial, f.Attempts, f.Err)
	}
	return reportErr(report)
}

func plain(op func(*datalogger.Engine) retry.Op) func(*datalogger.Engine) (retry.Op, error) {
	return func(e *datalogger.Engine) (retry.Op, error) { return op(e), nil }
}

func showOK(w io.Writer, s retry.Success) {
	fmt.Fprintf(w, "%s: ok\n", s.Serial)
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device info and logger state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deviceCommand(cmd, opts, plain((*datalogger.Engine).Status), func(w io.Writer, s retry.Success) {
				st := s.Value.(datalogger.Status)
				fmt.Fprintf(w, "%s: serial=%s name=%q address=%s product=%s app=%s %s protocol=%d logger=%s\n",
					s.Serial, st.Serial, st.Name, st.Address, st.Info.Product,
					st.Info.AppName, st.Info.AppVersion, st.Info.ProtocolVersion, st.LoggerState)
			})
		},
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	var paths []string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Set the resource paths the logger records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deviceCommand(cmd, opts, func(e *datalogger.Engine) (retry.Op, error) {
				return e.Configure(paths)
			}, func(w io.Writer, s retry.Success) {
				fmt.Fprintf(w, "%s: configured %s\n", s.Serial, strings.Join(s.Value.([]string), " "))
			})
		},
	}
	cmd.Flags().StringArrayVarP(&paths, "path", "p", nil, "resource path to log, e.g. /Meas/Acc/13 (repeatable)")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func newLoggerStateCmd(opts *rootOptions, use, short string, op func(*datalogger.Engine) retry.Op) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deviceCommand(cmd, opts, plain(op), func(w io.Writer, s retry.Success) {
				fmt.Fprintf(w, "%s: logger %s\n", s.Serial, s.Value.(protocol.LoggerState))
			})
		},
	}
}

func newFetchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download every stored log, then reset the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deviceCommand(cmd, opts, plain((*datalogger.Engine).FetchAll), func(w io.Writer, s retry.Success) {
				res := s.Value.(datalogger.FetchResult)
				fmt.Fprintf(w, "%s: %d log(s), %d bytes, reset=%t\n", s.Serial, len(res.Logs), res.TotalBytes(), res.Reset)
				for _, l := range res.Logs {
					line := fmt.Sprintf("  log %d: %d bytes in %s, %d samples, %d skipped", l.ID, l.Bytes, l.Duration.Round(time.Millisecond), l.Samples, l.Skipped)
					if l.Path != "" {
						line += " -> " + l.Path
					}
					if l.DecodeErr != nil {
						line += fmt.Sprintf(" (decode: %v)", l.DecodeErr)
					}
					fmt.Fprintln(w, line)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&opts.outputDir, "output", "o", "", "directory for downloaded logs (overrides output_dir)")
	return cmd
}

func newEraseCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "erasemem",
		Short: "Erase every stored log on the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
					fmt.Sprintf("Erase all logs on %s? [y/N] ", strings.Join(opts.serials, ", ")))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}
			return deviceCommand(cmd, opts, plain((*datalogger.Engine).Erase), showOK)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "do not ask for confirmation")
	return cmd
}

func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Read a device resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deviceCommand(cmd, opts, func(e *datalogger.Engine) (retry.Op, error) {
				return e.Get(args[0])
			}, func(w io.Writer, s retry.Success) {
				res := s.Value.(datalogger.Resource)
				fmt.Fprintf(w, "%s: %s = % x\n", s.Serial, res.Path, res.Value)
			})
		},
	}
}

func newSetTimeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "settime",
		Short: "Write the host UTC time to the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deviceCommand(cmd, opts, plain((*datalogger.Engine).SetTime), func(w io.Writer, s retry.Success) {
				fmt.Fprintf(w, "%s: time set to %s\n", s.Serial, s.Value.(time.Time).UTC().Format(time.RFC3339Nano))
			})
		},
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	var mode uint8
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Put the device into a system mode (default: reset)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deviceCommand(cmd, opts, func(e *datalogger.Engine) (retry.Op, error) {
				return e.SystemMode(mode), nil
			}, func(w io.Writer, s retry.Success) {
				fmt.Fprintf(w, "%s: system mode %d\n", s.Serial, s.Value.(uint8))
			})
		},
	}
	cmd.Flags().Uint8Var(&mode, "mode", protocol.SystemModeReset, "system mode to enter")
	return cmd
}

func newDecodeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <file>...",
		Short: "Decode downloaded .sbem logs and publish samples to the configured feed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.close()
			return decodeFiles(cmd.Context(), cmd.OutOrStdout(), a, args)
		},
	}
}

func decodeFiles(ctx context.Context, w io.Writer, a *app, paths []string) error {
	var failed int
	for _, path := range paths {
		l, published, err := datalogger.DecodeFile(ctx, path, a.sink)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "%s: %d records, %d samples, %d skipped, %d published\n", path, l.Records, l.Len(), l.Skipped, published)
		streams := make([]string, 0, len(l.Streams))
		for p := range l.Streams {
			streams = append(streams, p)
		}
		sort.Strings(streams)
		for _, p := range streams {
			fmt.Fprintf(w, "  %s: %d samples\n", p, len(l.Streams[p]))
		}
		if l.Err != nil {
			fmt.Fprintf(w, "  stopped early: %v\n", l.Err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("decode failed for %d of %d file(s)", failed, len(paths))
	}
	return nil
}

func newGenConfigCmd() *cobra.Command {
	var output string
	var force, validate bool
	cmd := &cobra.Command{
		Use:   "genconfig",
		Short: "Write a default config file, or validate an existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if validate {
				if _, err := config.Load(output); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "validated %s\n", output)
				return nil
			}
			if err := config.WriteTemplate(output, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", defaultConfigPath, "config file path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&validate, "validate", false, "validate the file instead of writing it")
	return cmd
}
