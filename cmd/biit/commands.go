// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bioimageit/biit-runtime/cmd/biit/config"
	"github.com/bioimageit/biit-runtime/internal/process"
	"github.com/bioimageit/biit-runtime/internal/util"
	"github.com/bioimageit/biit-runtime/pkg/logging"
	"github.com/bioimageit/biit-runtime/pkg/ux"
	"github.com/bioimageit/biit-runtime/services/environment"
	"github.com/bioimageit/biit-runtime/services/pubsub"
	"github.com/bioimageit/biit-runtime/services/runtime"
	"github.com/bioimageit/biit-runtime/services/supervisor"
)

// =============================================================================
// Application State
// =============================================================================

// app carries what every command needs once flags are parsed.
type app struct {
	configPath string
	machine    bool

	cfg     *config.BiitConfig
	printer *ux.Printer
	logger  *logging.Logger

	// Overridable for tests.
	out        io.Writer
	errOut     io.Writer
	proc       process.ProcessManager
	httpClient *http.Client
}

func newApp() *app {
	return &app{out: os.Stdout, errOut: os.Stderr, proc: process.NewExecManager()}
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return "exit status " + strconv.Itoa(e.code) }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// load reads the configuration and builds the printer and logger.
func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.printer = ux.NewPrinter(a.out, a.errOut)
	if a.machine {
		a.printer.SetMachine(true)
	}

	lc, err := cfg.LoggerConfig("biit")
	if err != nil {
		return err
	}
	lc.Output = a.errOut
	if cmd.Name() != "serve" {
		// Short-lived commands keep the console for their own output.
		lc.Quiet = lc.Level > logging.LevelDebug
	}
	a.logger = logging.New(lc)
	return nil
}

func (a *app) close(*cobra.Command, []string) error {
	if a.logger != nil {
		return a.logger.Close()
	}
	return nil
}

// envManager builds a standalone environment manager. The registry is
// optional here: a running host holds its lock.
func (a *app) envManager() (*environment.Manager, func(), error) {
	cfg := a.cfg.EnvironmentManagerConfig()
	opts := []environment.Option{environment.WithLogger(a.logger.Slog())}

	closer := func() {}
	reg, err := environment.OpenRegistry(environment.RegistryConfig{
		Path: filepath.Join(cfg.BaseDir, "registry"),
	})
	if err != nil {
		a.logger.Debug("environment registry unavailable", "error", err)
	} else {
		opts = append(opts, environment.WithRegistry(reg))
		closer = func() { _ = reg.Close() }
	}

	m, err := environment.NewManager(cfg, a.proc, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return m, closer, nil
}

func (a *app) host() *hostClient {
	return newHostClient(a.cfg.Server.Addr, a.httpClient)
}

// emitJSON writes v as indented JSON when --json is set.
func (a *app) emitJSON(v any) bool {
	if !a.machine {
		return false
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
	return true
}

// =============================================================================
// Command Tree
// =============================================================================

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "biit",
		Short: "Host the BIIT runtime: environments, services and pub/sub",
		Long: `biit provisions isolated package-manager environments, supervises
long-running services such as code-server, and hosts the WebSocket
pub/sub endpoint that tools use to talk to each other.`,
		SilenceUsage:       true,
		PersistentPreRunE:  a.load,
		PersistentPostRunE: a.close,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.biit/biit.yaml)")
	root.PersistentFlags().BoolVar(&a.machine, "json", false, "machine-readable output")

	root.AddCommand(newServeCmd(a), newEnvCmd(a), newServiceCmd(a), newLogsCmd(a))
	return root
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// -----------------------------------------------------------------------------
// serve
// -----------------------------------------------------------------------------

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the host: HTTP API, /ws pub/sub and supervised services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			svc, err := runtime.New(a.cfg.ToRuntime(), a.logger, runtime.WithProcessManager(a.proc))
			if err != nil {
				return err
			}
			a.printer.Success("listening on %s", a.cfg.Server.Addr)
			return svc.Run(ctx)
		},
	}
}

// -----------------------------------------------------------------------------
// env
// -----------------------------------------------------------------------------

func newEnvCmd(a *app) *cobra.Command {
	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Manage package-manager environments",
	}
	envCmd.AddCommand(
		newEnvBootstrapCmd(a),
		newEnvListCmd(a),
		newEnvExistsCmd(a),
		newEnvDescribeCmd(a),
		newEnvCreateCmd(a),
		newEnvRunCmd(a),
		newEnvLaunchCmd(a),
	)
	return envCmd
}

func newEnvBootstrapCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Download the package manager if it is not installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, done, err := a.envManager()
			if err != nil {
				return err
			}
			defer done()
			if err := m.EnsureRuntimeInstalled(cmd.Context()); err != nil {
				return err
			}
			a.printer.Success("package manager installed at %s", m.Config().BinaryPath)
			return nil
		},
	}
}

func newEnvListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, done, err := a.envManager()
			if err != nil {
				return err
			}
			defer done()
			names, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(names) == 0 && !a.printer.Machine() {
				a.printer.Info("no environments")
				return nil
			}
			a.printer.List(names)
			return nil
		},
	}
}

func newEnvExistsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exists NAME",
		Short: "Exit 0 if the environment exists, 1 otherwise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := a.envManager()
			if err != nil {
				return err
			}
			defer done()
			ok, err := m.Exists(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.printer.Raw(strconv.FormatBool(ok))
			if !ok {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}

func newEnvDescribeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "describe NAME",
		Short: "Show what is known about an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := a.envManager()
			if err != nil {
				return err
			}
			defer done()
			env, err := m.Describe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.emitJSON(env) {
				return nil
			}
			kv := map[string]string{
				"root": env.Root,
				"log":  env.LogPath,
			}
			if env.Spec.RuntimeVersion != "" {
				kv["python"] = env.Spec.RuntimeVersion
			}
			if !env.CreatedAt.IsZero() {
				kv["created"] = env.CreatedAt.Format(time.RFC3339)
			}
			a.printer.KeyValues(env.Name, kv)
			return nil
		},
	}
}

func newEnvCreateCmd(a *app) *cobra.Command {
	var spec environment.DependencySpec
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create (or recreate) an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := a.envManager()
			if err != nil {
				return err
			}
			defer done()
			if err := m.Create(cmd.Context(), args[0], spec); err != nil {
				var cmdErr *util.CommandError
				if errors.As(err, &cmdErr) && cmdErr.Stderr != "" {
					a.printer.Raw(cmdErr.Stderr)
				}
				return err
			}
			a.printer.Success("environment %s ready", args[0])
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec.RuntimeVersion, "python", "", "Python version (default "+environment.DefaultRuntimeVersion+")")
	f.StringSliceVarP(&spec.Packages, "package", "p", nil, "conda package, repeatable")
	f.StringSliceVar(&spec.PipPackages, "pip", nil, "pip package, repeatable")
	f.StringSliceVarP(&spec.Channels, "channel", "c", nil, "conda channel (default "+environment.DefaultChannel+")")
	return cmd
}

func newEnvRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run NAME -- COMMAND [ARGS...]",
		Short: "Run a short command inside an environment",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := a.envManager()
			if err != nil {
				return err
			}
			defer done()
			res, err := m.Run(cmd.Context(), args[0], args[1:])
			if res == nil {
				return err
			}
			if a.emitJSON(res) {
				if err != nil {
					return &exitError{code: exitStatus(res.ExitCode)}
				}
				return nil
			}
			fmt.Fprint(a.out, res.Stdout)
			fmt.Fprint(a.errOut, res.Stderr)
			if err != nil {
				return &exitError{code: exitStatus(res.ExitCode)}
			}
			return nil
		},
	}
}

// exitStatus maps a child's exit code onto ours; -1 (never ran) becomes 1.
func exitStatus(code int) int {
	if code <= 0 {
		return 1
	}
	return code
}

func newEnvLaunchCmd(a *app) *cobra.Command {
	var follow bool
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "launch NAME COMMAND",
		Short: "Start a long-running command inside an environment",
		Long: `Starts COMMAND through the environment's shell with output appended to
the environment log. With --follow the log is streamed until the process
exits or the command is interrupted, which stops the process.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			m, done, err := a.envManager()
			if err != nil {
				return err
			}
			defer done()

			var tailer *environment.LogTailer
			if follow {
				tailer, err = environment.NewLogTailer(m.LogPath(args[0]), func(line string) {
					a.printer.Raw(line)
				}, a.logger.Slog())
				if err != nil {
					return err
				}
				if err := tailer.Start(ctx); err != nil {
					return err
				}
				defer tailer.Stop()
			}

			mp, err := m.Launch(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			a.printer.Success("launched %q in %s (pid %d)", mp.Command, mp.Env, mp.PID)
			if !follow {
				return nil
			}

			select {
			case <-mp.Done():
				if err := mp.Err(); err != nil {
					a.printer.Warning("process exited: %v", err)
					return &exitError{code: exitStatus(util.ExitCodeOf(err))}
				}
				a.printer.Info("process exited")
				return nil
			case <-ctx.Done():
				stopCtx, stopCancel := context.WithTimeout(context.Background(), grace+util.DefaultStopTimeout)
				defer stopCancel()
				if err := mp.Stop(stopCtx, grace); err != nil {
					return fmt.Errorf("failed to stop process %d: %w", mp.PID, err)
				}
				a.printer.Info("process %d stopped", mp.PID)
				return nil
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream the environment log and stop the process on interrupt")
	cmd.Flags().DurationVar(&grace, "grace", util.DefaultStopTimeout, "time to wait after SIGTERM before killing")
	return cmd
}

// -----------------------------------------------------------------------------
// service
// -----------------------------------------------------------------------------

func newServiceCmd(a *app) *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:     "service",
		Aliases: []string{"svc"},
		Short:   "Control services supervised by a running host",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show every supervised service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			statuses, err := a.host().ListServices(cmd.Context())
			if err != nil {
				return err
			}
			if a.emitJSON(statuses) {
				return nil
			}
			for _, st := range statuses {
				a.printStatus(st)
			}
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status NAME",
		Short: "Show one service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.host().GetService(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !a.emitJSON(st) {
				a.printStatus(*st)
			}
			return nil
		},
	}

	var wait bool
	startCmd := &cobra.Command{
		Use:   "start NAME",
		Short: "Provision and launch a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.host().StartService(cmd.Context(), args[0], wait)
			if err != nil {
				return err
			}
			if a.emitJSON(resp) {
				return nil
			}
			if !resp.Started {
				a.printer.Info("%s already starting or ready", args[0])
			}
			a.printStatus(resp.Status)
			if wait && resp.Status.State != supervisor.StateReady {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	startCmd.Flags().BoolVarP(&wait, "wait", "w", false, "block until the service is ready or failed")

	stopCmd := &cobra.Command{
		Use:   "stop NAME",
		Short: "Stop a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.host().StopService(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !a.emitJSON(st) {
				a.printStatus(*st)
			}
			return nil
		},
	}

	serviceCmd.AddCommand(listCmd, statusCmd, startCmd, stopCmd)
	return serviceCmd
}

func (a *app) printStatus(st runtime.ServiceStatus) {
	reason := st.Reason
	if st.PID != 0 {
		if reason != "" {
			reason += ", "
		}
		reason += "pid " + strconv.Itoa(st.PID)
	}
	a.printer.Status(st.Name, string(st.State), reason)
}

// -----------------------------------------------------------------------------
// logs
// -----------------------------------------------------------------------------

func newLogsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logs [TOPIC]",
		Short: "Stream messages published on a topic (default: the host log)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := a.cfg.Relay.Topic
			if len(args) == 1 {
				topic = args[0]
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client, err := pubsub.Dial(ctx, a.host().wsURL())
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Subscribe(topic); err != nil {
				return err
			}

			for {
				msg, err := client.Next(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				a.printer.Raw(messageText(msg.Message))
			}
		},
	}
}

// messageText unquotes JSON strings and prints anything else verbatim.
func messageText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
