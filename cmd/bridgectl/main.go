// bridgectl is a diagnostic CLI for the LedgerPro MCP helper fleet. It
// drives the same bridge the application embeds: launch the configured
// helpers, report their health, list or invoke their tools, and clean up
// after crashes.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ledgerpro/mcp-bridge/bridge"
	"github.com/ledgerpro/mcp-bridge/cli"
	"github.com/ledgerpro/mcp-bridge/config"
	"github.com/ledgerpro/mcp-bridge/logger"
	"github.com/ledgerpro/mcp-bridge/mcp"
	"github.com/ledgerpro/mcp-bridge/process"
)

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bridgectl",
		Short: "Diagnostics for the LedgerPro MCP helper fleet",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.SetDebug(flagDebug)
			path, err := logger.DefaultLogPath()
			if err != nil {
				return err
			}
			return logger.Init(path)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to bridge.yaml (default: the config directory)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	root.AddCommand(newInitCmd(), newDoctorCmd(), newStatusCmd(), newToolsCmd(), newCallCmd(), newCleanCmd())
	return root
}

// withFleet loads the config, connects the whole fleet, and hands the bridge
// to fn. The helpers are always terminated before returning.
func withFleet(cmd *cobra.Command, fn func(b *bridge.Bridge, cfg *config.Config) error) error {
	cfg, err := config.LoadAndMerge(flagConfig)
	if err != nil {
		return err
	}
	b, err := bridge.New(cfg.Servers, bridge.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer b.Close()

	b.ConnectAll(cmd.Context())
	return fn(b, cfg)
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter bridge.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteTemplate(flagConfig)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that this machine can run the helper fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAndMerge(flagConfig)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			prereqs := cli.FleetPrerequisites(cfg.Servers)
			fmt.Fprint(out, cli.FormatCheckResults(cli.CheckAll(prereqs)))

			fmt.Fprintln(out, "Helper scripts:")
			for _, server := range cfg.Servers {
				script := serverScript(server)
				if script == "" {
					fmt.Fprintf(out, "  ○ %-20s no entry script\n", server.Name)
					continue
				}
				if _, err := os.Stat(script); err != nil {
					fmt.Fprintf(out, "  ✗ %-20s %s (missing)\n", server.Name, script)
				} else {
					fmt.Fprintf(out, "  ✓ %-20s %s\n", server.Name, script)
				}
			}

			return cli.ValidateRequired(prereqs)
		},
	}
}

// serverScript resolves the helper's entry script path, or "" when the
// first argument is a flag rather than a file.
func serverScript(server config.Server) string {
	if len(server.Args) == 0 || strings.HasPrefix(server.Args[0], "-") {
		return ""
	}
	script := server.Args[0]
	if !filepath.IsAbs(script) && server.WorkingDir != "" {
		script = filepath.Join(server.WorkingDir, script)
	}
	return script
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect every helper and report fleet health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFleet(cmd, func(b *bridge.Bridge, cfg *config.Config) error {
				out := cmd.OutOrStdout()
				for _, st := range b.Snapshot() {
					switch {
					case st.Err != nil:
						fmt.Fprintf(out, "%-20s %-10s %v\n", st.Name, st.State, st.Err)
					case st.State == mcp.StateReady:
						fmt.Fprintf(out, "%-20s %-10s pid %-7d %d tools\n", st.Name, st.State, st.Pid, st.Tools)
					default:
						fmt.Fprintf(out, "%-20s %-10s\n", st.Name, st.State)
					}
				}
				fmt.Fprintf(out, "fleet: %s\n", b.Status())
				return nil
			})
		},
	}
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List every tool the fleet serves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFleet(cmd, func(b *bridge.Bridge, cfg *config.Config) error {
				catalog, err := b.Tools(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, server := range b.Servers() {
					tools, ok := catalog[server]
					if !ok {
						continue
					}
					fmt.Fprintf(out, "%s:\n", server)
					for _, tool := range tools {
						if tool.Description != "" {
							fmt.Fprintf(out, "  %-28s %s\n", tool.Name, tool.Description)
						} else {
							fmt.Fprintf(out, "  %s\n", tool.Name)
						}
					}
				}
				return nil
			})
		},
	}
}

func newCallCmd() *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "call <server> <tool>",
		Short: "Invoke one tool on one helper and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			server, tool := cmdArgs[0], cmdArgs[1]

			var toolArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			cfg, err := config.LoadAndMerge(flagConfig)
			if err != nil {
				return err
			}
			serverCfg, ok := cfg.FindServer(server)
			if !ok {
				return fmt.Errorf("unknown server %q (configured: %s)", server, strings.Join(cfg.ServerNames(), ", "))
			}

			// Only the addressed helper is launched.
			b, err := bridge.New([]config.Server{serverCfg}, bridge.WithConfig(cfg))
			if err != nil {
				return err
			}
			defer b.Close()
			if status := b.ConnectAll(cmd.Context()); status != bridge.FleetReady {
				st, _ := b.ServerStatus(server)
				return fmt.Errorf("%s failed to start: %v", server, st.Err)
			}

			res, err := b.CallTool(cmd.Context(), server, tool, toolArgs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.IsError {
				fmt.Fprintln(out, "tool reported an error:")
			}
			fmt.Fprintln(out, res.Text())
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	return cmd
}

func newCleanCmd() *cobra.Command {
	var keepLogs bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Kill orphaned helper processes and clear logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAndMerge(flagConfig)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			patterns := process.OrphanPatterns(cfg.Servers)
			scanner := process.NewOrphanScanner()
			killed, err := scanner.CleanupOrphans(cmd.Context(), patterns, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "killed %d orphaned helper(s)\n", killed)

			if !keepLogs {
				logger.Close()
				removed, err := logger.ClearLogs()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "removed %d log file(s)\n", removed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepLogs, "keep-logs", false, "Skip clearing the log directory")
	return cmd
}
