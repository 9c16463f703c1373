package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// sessionInfo mirrors internal/daemon.sessionInfo, the wire shape served
// by /api/sessions.
type sessionInfo struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Path              string `json:"path"`
	AgentID           string `json:"agentId"`
	DetectionStrategy string `json:"detectionStrategy"`
	Command           string `json:"command"`
	State             string `json:"state"`
	IsActive          bool   `json:"isActive"`
	CreatedAt         string `json:"createdAt"`
}

// newSessionsCmd groups the session-management subcommands under one
// parent.
func newSessionsCmd(listCmd *cobra.Command) *cobra.Command {
	parent := &cobra.Command{
		Use:   "sessions",
		Short: "Manage supervised sessions",
	}
	parent.AddCommand(
		listCmd,
		newSessionsCreateCmd(),
		newSessionsStopCmd(),
		newAttachCmd(),
	)
	return parent
}

func newSessionsListCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List supervised sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessions []sessionInfo
			if err := getJSON(addr, "/api/sessions", &sessions); err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No supervised sessions.")
				return nil
			}
			for _, s := range sessions {
				printSessionLine(cmd, s)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7171", "ctrlplaned daemon address")
	return cmd
}

func printSessionLine(cmd *cobra.Command, s sessionInfo) {
	symbol := colorize("●", stateColor(s.State))
	fmt.Fprintf(cmd.OutOrStdout(), "  %s %s \x1b[2m%s\x1b[0m — %s\n", symbol, s.Name, s.Command, s.State)
}

func newSessionsCreateCmd() *cobra.Command {
	var addr, name, worktree, agentID, strategyName, command string
	cmd := &cobra.Command{
		Use:   "create -- <command> [args...]",
		Short: "Create a supervised session",
		Args:  cobra.MinimumNArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if command == "" {
				if len(args) == 0 {
					return fmt.Errorf("command required: pass --command or -- <command> [args...]")
				}
				command = args[0]
				args = args[1:]
			}
			req := struct {
				Name              string   `json:"name"`
				WorktreePath      string   `json:"worktreePath"`
				AgentID           string   `json:"agentId"`
				DetectionStrategy string   `json:"detectionStrategy"`
				Command           string   `json:"command"`
				Args              []string `json:"args"`
			}{
				Name:              name,
				WorktreePath:      worktree,
				AgentID:           agentID,
				DetectionStrategy: strategyName,
				Command:           command,
				Args:              args,
			}
			var created sessionInfo
			if err := postJSON(addr, "/api/sessions", req, &created); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created session %s (%s)\n", created.ID, created.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7171", "ctrlplaned daemon address")
	cmd.Flags().StringVar(&name, "name", "", "session name")
	cmd.Flags().StringVar(&worktree, "worktree", ".", "worktree path the child runs in")
	cmd.Flags().StringVar(&agentID, "agent", "generic", "agent identifier")
	cmd.Flags().StringVar(&strategyName, "strategy", "", "detection strategy (defaults to config)")
	cmd.Flags().StringVar(&command, "command", "", "command to run (alternative to -- <command>)")
	return cmd
}

func newSessionsStopCmd() *cobra.Command {
	var addr, reason string
	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a supervised session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deleteJSON(addr, "/api/sessions/"+args[0]+"?reason="+url.QueryEscape(reason))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7171", "ctrlplaned daemon address")
	cmd.Flags().StringVar(&reason, "reason", "stopped via CLI", "reason recorded for the stop")
	return cmd
}

func httpBase(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func getJSON(addr, path string, out any) error {
	resp, err := http.Get(httpBase(addr) + path)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(addr, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(httpBase(addr)+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func deleteJSON(addr, path string) error {
	req, err := http.NewRequest(http.MethodDelete, httpBase(addr)+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpError(resp)
	}
	return nil
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("ctrlplaned: %s: %s", resp.Status, strings.TrimSpace(string(body)))
}
