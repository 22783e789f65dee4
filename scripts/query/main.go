// query talks to a running ns-router: control calls go over gRPC, history
// queries over the HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"NetSimCore/internal/api"
)

type options struct {
	grpcAddr string
	httpAddr string
	timeout  time.Duration
}

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:          "query",
		Short:        "Inspect and control a running router",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.grpcAddr, "grpc", "localhost:50051", "router gRPC address")
	root.PersistentFlags().StringVar(&opts.httpAddr, "http", "http://localhost:8080", "router HTTP base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "metrics",
			Short: "Print the router counters",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *api.RouterControlClient) error {
					out, err := c.GetMetrics(ctx)
					if err != nil {
						return err
					}
					return printProto(cmd, out)
				})
			},
		},
		&cobra.Command{
			Use:   "lookup <addr>",
			Short: "Show the route used for a destination",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *api.RouterControlClient) error {
					out, err := c.LookupRoute(ctx, args[0])
					if err != nil {
						return err
					}
					return printProto(cmd, out)
				})
			},
		},
		addCmd(opts),
		&cobra.Command{
			Use:   "del <prefix>",
			Short: "Withdraw the route for a prefix",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, opts, func(ctx context.Context, c *api.RouterControlClient) error {
					removed, err := c.RemoveRoute(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed: %t\n", removed)
					return nil
				})
			},
		},
		historyCmd(opts),
		traceCmd(opts),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCmd(opts *options) *cobra.Command {
	var req api.RouteRequest
	cmd := &cobra.Command{
		Use:   "add <prefix> <next-hop> <interface>",
		Short: "Install a static route",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Prefix, req.NextHop, req.Interface = args[0], args[1], args[2]
			return withClient(cmd, opts, func(ctx context.Context, c *api.RouterControlClient) error {
				installed, err := c.AddRoute(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed: %t\n", installed)
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&req.Metric, "metric", 0, "route metric")
	cmd.Flags().Uint8Var(&req.AdminDistance, "ad", 0, "administrative distance (0 keeps the static default)")
	return cmd
}

func historyCmd(opts *options) *cobra.Command {
	var since, until string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored metrics rows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if since != "" {
				q.Set("since", since)
			}
			if until != "" {
				q.Set("until", until)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			target := strings.TrimRight(opts.httpAddr, "/") + "/api/v1/history/metrics"
			if len(q) > 0 {
				target += "?" + q.Encode()
			}
			return doHTTP(cmd, opts, http.MethodGet, target, nil)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func traceCmd(opts *options) *cobra.Command {
	var keys map[string]string
	var end string
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Trace a flow's lifecycle, e.g. --key src_ip=10.0.0.1 --key dst_port=443",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := map[string]any{"flow_keys": keys}
			if end != "" {
				req["end_time"] = end
			}
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			target := strings.TrimRight(opts.httpAddr, "/") + "/api/v1/history/flows/trace"
			return doHTTP(cmd, opts, http.MethodPost, target, body)
		},
	}
	cmd.Flags().StringToStringVar(&keys, "key", nil, "flow key field=value")
	cmd.Flags().StringVar(&end, "end", "", "RFC3339 end time")
	return cmd
}

func withClient(cmd *cobra.Command, opts *options, fn func(context.Context, *api.RouterControlClient) error) error {
	conn, err := grpc.NewClient(opts.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", opts.grpcAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	return fn(ctx, api.NewRouterControlClient(conn))
}

func printProto(cmd *cobra.Command, m proto.Message) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}

func doHTTP(cmd *cobra.Command, opts *options, method, target string, body []byte) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, respBody, "", "  "); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return nil
}
