package cli

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

const tokenEnv = "KNOCKSCAN_TOKEN"

// NewCtlCommand builds the `ctl` command tree that talks to a running
// daemon over its control API.
func NewCtlCommand() *cobra.Command {
	var (
		addr   string
		token  string
		pretty bool
	)
	client := func() *Client {
		if token == "" {
			token = os.Getenv(tokenEnv)
		}
		return NewClient(addr, token)
	}

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running knockscan daemon",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8788", "API base URL")
	cmd.PersistentFlags().StringVar(&token, "token", "", "API token (or set "+tokenEnv+")")
	cmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Pretty-print JSON responses")

	call := func(fn func(ctx context.Context, c *Client) ([]byte, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			raw, err := fn(cmd.Context(), client())
			if err != nil {
				return err
			}
			if pretty {
				raw = PrettyJSON(raw)
			}
			out := cmd.OutOrStdout()
			if _, err := out.Write(raw); err != nil {
				return err
			}
			if len(raw) > 0 && raw[len(raw)-1] != '\n' {
				_, err = out.Write([]byte("\n"))
			}
			return err
		}
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show scan state and scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: call(func(ctx context.Context, c *Client) ([]byte, error) {
			return c.Status(ctx)
		}),
	}

	var filter string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a scan",
		Args:  cobra.NoArgs,
		RunE: call(func(ctx context.Context, c *Client) ([]byte, error) {
			if filter == "" {
				return c.StartScan(ctx, nil)
			}
			v, err := strconv.ParseBool(filter)
			if err != nil {
				return nil, errors.New("--filter must be true or false")
			}
			return c.StartScan(ctx, &v)
		}),
	}
	start.Flags().StringVar(&filter, "filter", "", "Override known-item filtering for this scan (true|false)")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Cancel the running scan",
		Args:  cobra.NoArgs,
		RunE: call(func(ctx context.Context, c *Client) ([]byte, error) {
			return c.StopScan(ctx)
		}),
	}

	filterCmd := &cobra.Command{
		Use:   "filter <true|false>",
		Short: "Set known-item filtering for later scans",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := strconv.ParseBool(args[0])
			if err != nil {
				return errors.New("filter value must be true or false")
			}
			return call(func(ctx context.Context, c *Client) ([]byte, error) {
				return c.SetFilter(ctx, enabled)
			})(cmd, args)
		},
	}

	var text bool
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print the latest completed report",
		Args:  cobra.NoArgs,
		RunE: call(func(ctx context.Context, c *Client) ([]byte, error) {
			return c.Report(ctx, text)
		}),
	}
	reportCmd.Flags().BoolVar(&text, "text", false, "Print the text rendering instead of JSON")

	history := &cobra.Command{
		Use:   "history",
		Short: "List stored report summaries",
		Args:  cobra.NoArgs,
		RunE: call(func(ctx context.Context, c *Client) ([]byte, error) {
			return c.History(ctx)
		}),
	}

	cmd.AddCommand(status, start, stop, filterCmd, reportCmd, history)
	return cmd
}
