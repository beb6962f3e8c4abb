package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"reverie/internal/config"
)

// adminClient is a thin HTTP client for the admin API.
type adminClient struct {
	base string
	http *http.Client
}

// newAdminClient resolves the admin address from --addr or the config file.
func newAdminClient() (*adminClient, error) {
	addr := addrFlag
	if addr == "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.ListenAddr
	}
	return &adminClient{
		base: "http://" + addr,
		http: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// call performs one request and pretty-prints the JSON response. Non-2xx
// responses surface the structured error payload.
func (c *adminClient) call(method, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the kernel running? %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Write(raw)
	}
	pretty.WriteTo(os.Stdout)
	fmt.Println()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the current global state snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		return c.call(http.MethodGet, "/state", nil)
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List registered cognitive nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		return c.call(http.MethodGet, "/nodes", nil)
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [node-id]",
	Short: "Queue a manual dispatch for a node",
	Long: `Queues a manual trigger for the node. The dispatch happens on the
kernel's next loop iteration and still goes through budget admission.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		return c.call(http.MethodPost, "/nodes/"+url.PathEscape(args[0])+"/dispatch", nil)
	},
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show today's budget ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		return c.call(http.MethodGet, "/budget", nil)
	},
}

var (
	historyNode  string
	historySince string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query execution records",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if historyNode != "" {
			q.Set("node", historyNode)
		}
		if historySince != "" {
			if _, err := time.Parse(time.RFC3339, historySince); err != nil {
				return fmt.Errorf("--since must be RFC3339: %w", err)
			}
			q.Set("since", historySince)
		}
		if historyLimit > 0 {
			q.Set("limit", strconv.Itoa(historyLimit))
		}
		path := "/history"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		return c.call(http.MethodGet, path, nil)
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask a running kernel to stop gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		return c.call(http.MethodPost, "/shutdown", nil)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyNode, "node", "", "filter by node id")
	historyCmd.Flags().StringVar(&historySince, "since", "", "RFC3339 lower bound on start time")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum records to return")
}
