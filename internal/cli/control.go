package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/proctor-guard/internal/aggregator"
	"github.com/ChuLiYu/proctor-guard/internal/permission"
	"github.com/ChuLiYu/proctor-guard/internal/server"
	"github.com/ChuLiYu/proctor-guard/pkg/types"
)

// rpcTimeout bounds every control call.
const rpcTimeout = 10 * time.Second

// withClient dials the control socket named by the configuration and runs fn.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := server.Dial(cfg.Server.SocketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, rpcTimeout)
	defer cancel()
	return fn(ctx, c)
}

// parseArgs turns k=v pairs into command arguments. Values are parsed as
// YAML scalars, so 90 is a number and true a bool.
func parseArgs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q, want key=value", p)
		}
		var val any
		if err := yaml.Unmarshal([]byte(v), &val); err != nil || val == nil {
			val = v
		}
		out[k] = val
	}
	return out, nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workers, permissions and active violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				resp, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				printStatus(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(out io.Writer, resp *server.StatusResponse) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "WORKER\tSTATE\tPID\tRESTARTS\tMODE\tUPTIME")
	keys := make([]string, 0, len(resp.Workers))
	for k := range resp.Workers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		st := resp.Workers[k]
		pid := "-"
		if st.Running {
			pid = fmt.Sprint(st.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", k, st.State, pid, st.RestartCount, dash(st.Mode), dash(st.Uptime))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "PERMISSION\tSTATUS\tREQUIRED\n")
	perms := make([]string, 0, len(resp.Permissions.Permissions))
	for k := range resp.Permissions.Permissions {
		perms = append(perms, k)
	}
	sort.Strings(perms)
	for _, k := range perms {
		p := resp.Permissions.Permissions[k]
		fmt.Fprintf(w, "%s\t%s\t%v\n", k, p.Status, p.Required)
	}
	fmt.Fprintln(w)

	c := resp.Counts
	fmt.Fprintf(w, "Active violations: %d (critical %d, high %d, medium %d, low %d)\n",
		len(resp.ActiveViolations), c.Critical, c.High, c.Medium, c.Low)
	for _, v := range resp.ActiveViolations {
		fmt.Fprintf(w, "  [%s]\t%s\t%s\t%s\n", v.Severity, v.Worker, v.ViolationType, v.Reason)
	}
	w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ============================================================================
// start / send / broadcast / stop-worker
// ============================================================================

func buildStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start [worker]",
		Short: "Start one worker, or every worker that is not running",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					if err := c.StartWorker(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(out, "started %s\n", args[0])
					return nil
				}

				resp, err := c.StartAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "started: %s\n", strings.Join(resp.Result.Started, ", "))
				failed := make([]string, 0, len(resp.Result.Failed))
				for key := range resp.Result.Failed {
					failed = append(failed, key)
				}
				sort.Strings(failed)
				for _, key := range failed {
					fmt.Fprintf(out, "failed %s: %s\n", key, resp.Result.Failed[key])
				}
				return nil
			})
		},
	}
}

func buildSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <worker> <command> [key=value...]",
		Short: "Send a command to one worker",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdArgs, err := parseArgs(args[2:])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if err := c.SendCommand(ctx, args[0], args[1], cmdArgs); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func buildBroadcastCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast <command> [key=value...]",
		Short: "Send a command to every running worker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdArgs, err := parseArgs(args[1:])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				delivered, err := c.Broadcast(ctx, args[0], cmdArgs)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d workers: %s\n", len(delivered), strings.Join(delivered, ", "))
				return nil
			})
		},
	}
}

func buildStopWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-worker <worker>",
		Short: "Stop a worker; it is not restarted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if err := c.StopWorker(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stopping %s\n", args[0])
				return nil
			})
		},
	}
}

// ============================================================================
// export
// ============================================================================

func buildExportCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the session's violation export",
		Long:  "Fetches the export document from the running supervisor and writes it as JSON. A .gz suffix writes it gzip-compressed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := output
			if path == "" {
				path = cfg.Export.Path
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				resp, err := c.Export(ctx)
				if err != nil {
					return err
				}
				w := aggregator.NewWriter(path)
				if err := w.Write(resp.Document); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d violations to %s\n", resp.Document.TotalViolations, w.Path())
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default export.path)")
	return cmd
}

// ============================================================================
// permissions
// ============================================================================

func buildPermissionsCommand() *cobra.Command {
	var recheck bool

	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Show the permission table of the running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				resp, err := c.Permissions(ctx, recheck)
				if err != nil {
					return err
				}
				printPermissions(cmd.OutOrStdout(), resp.Snapshot)
				if len(resp.Missing) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "missing: %s\n", strings.Join(resp.Missing, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&recheck, "recheck", false, "probe every permission again first")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "request <key>",
			Short: "Ask the running supervisor to request a permission",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c *server.Client) error {
					resp, err := c.RequestPermission(ctx, args[0])
					if err != nil {
						return err
					}
					result := "not granted"
					if resp.Granted {
						result = "granted"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], result)
					return nil
				})
			},
		},
		buildConsentCommand("grant", types.PermissionGranted),
		buildConsentCommand("deny", types.PermissionDenied),
	)
	return cmd
}

// buildConsentCommand records a decision in the consent file. It does not
// need a running supervisor; the gate picks the change up on its next check.
func buildConsentCommand(use string, status types.PermissionStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <key>",
		Short: fmt.Sprintf("Record the permission as %s in the consent file", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store := &permission.ConsentStore{Path: cfg.Permissions.ConsentFile}
			if !knownPermission(store, args[0]) {
				return fmt.Errorf("%w: %q", permission.ErrUnknownPermission, args[0])
			}
			if err := store.Set(args[0], status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", args[0], status, store.Path)
			return nil
		},
	}
}

func knownPermission(store *permission.ConsentStore, key string) bool {
	for _, d := range permission.DefaultDefinitions(store, nil, nil) {
		if d.Key == key {
			return true
		}
	}
	return false
}

func printPermissions(out io.Writer, snap types.PermissionSnapshot) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PERMISSION\tSTATUS\tREQUIRED\tWORKERS\tERROR")
	keys := make([]string, 0, len(snap.Permissions))
	for k := range snap.Permissions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := snap.Permissions[k]
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", k, p.Status, p.Required, strings.Join(p.DependentWorkers, ","), dash(p.LastError))
	}
	fmt.Fprintf(w, "all granted: %v, ready to start: %v\n", snap.AllGranted, snap.ReadyToStart)
	w.Flush()
}
