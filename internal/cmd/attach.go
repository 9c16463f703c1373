package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newAttachCmd dials the daemon's WS transport and swaps the local TTY
// into raw mode for the duration of the attach, sending one resize frame
// with the local terminal size, pumping stdin to input frames and
// printing terminal_data frames back out. The client
// has no framed request/response protocol of its own, it just relays
// the room protocol wire-for-wire.
func newAttachCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "attach <id>",
		Short: "Attach to a supervised session's terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(cmd, httpBase(addr), args[0])
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7171", "ctrlplaned daemon address")
	return cmd
}

func runAttach(cmd *cobra.Command, base, sessionID string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	url := "ws" + base[len("http"):] + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.CloseNow()

	if err := writeFrame(ctx, conn, map[string]any{"type": "subscribe_session", "sessionId": sessionID}); err != nil {
		return err
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
		if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			_ = writeFrame(ctx, conn, map[string]any{"type": "resize", "sessionId": sessionID, "cols": cols, "rows": rows})
		}
	}

	errCh := make(chan error, 2)
	go pumpStdin(ctx, conn, sessionID, errCh)
	go pumpTerminalData(ctx, conn, cmd.OutOrStdout(), errCh)

	select {
	case <-ctx.Done():
		_ = writeFrame(context.Background(), conn, map[string]any{"type": "unsubscribe_session", "sessionId": sessionID})
		return nil
	case err := <-errCh:
		if err == io.EOF {
			return nil
		}
		return err
	}
}

func pumpStdin(ctx context.Context, conn *websocket.Conn, sessionID string, errCh chan<- error) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			msg := map[string]any{"type": "input", "sessionId": sessionID, "data": string(buf[:n])}
			if werr := writeFrame(ctx, conn, msg); werr != nil {
				errCh <- werr
				return
			}
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

func pumpTerminalData(ctx context.Context, conn *websocket.Conn, out io.Writer, errCh chan<- error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		var env struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type != "terminal_data" {
			continue
		}
		if _, err := io.WriteString(out, env.Data); err != nil {
			errCh <- err
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
