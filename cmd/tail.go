package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markb/livesync/internal/feed"
	"github.com/markb/livesync/internal/metrics"
	"github.com/markb/livesync/internal/protocol"
	"github.com/markb/livesync/internal/realtime"
)

var tailCmd = &cobra.Command{
	Use:   "tail <resource>",
	Short: "Stream changes from a running server",
	Long: `Subscribes to a resource and prints every change as it arrives. Output
is human readable on a terminal and JSON lines otherwise (or with --json).

With --presence, the command joins the channel under the given display name
and prints who else is there whenever it changes.

Examples:
  livesync tail messages --filter room_id=eq.1
  livesync tail tasks --json | jq .new
  livesync tail messages --filter room_id=eq.1 --presence Alice --notify`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		resource := args[0]
		filterExpr, _ := cmd.Flags().GetString("filter")
		presenceName, _ := cmd.Flags().GetString("presence")
		actor, _ := cmd.Flags().GetString("actor")
		asJSON, _ := cmd.Flags().GetBool("json")
		notify, _ := cmd.Flags().GetBool("notify")

		cc := cfg.Client
		if v, _ := cmd.Flags().GetString("url"); v != "" {
			cc.URL = v
		}
		if v, _ := cmd.Flags().GetString("key"); v != "" {
			cc.APIKey = v
		}
		if cc.APIKey == "" {
			if cfg.Server.AnonKey != "" {
				cc.APIKey = cfg.Server.AnonKey
			} else if cc.APIKey, err = generateAPIKey(jwtSecret(cfg.Server.JWTSecret), feed.RoleAnon); err != nil {
				return err
			}
		}
		if notify {
			cc.Notifications.Enabled = true
		}

		out := &tailPrinter{w: os.Stdout, json: asJSON || !term.IsTerminal(int(os.Stdout.Fd()))}

		rc := cc.Realtime()
		rc.Metrics = metrics.Default()
		rc.OnConnectionLost = func(lost bool) {
			if lost {
				out.status("connection lost, retrying")
			} else {
				out.status("reconnected")
			}
		}
		rc.OnFatal = func(err error) { out.status("fatal: " + err.Error()) }
		if actor != "" {
			rc.Actor = realtime.ActorFunc(func() string { return actor })
		}
		if rc.Notifications != nil {
			rc.Notify = out.notification
		}

		client := realtime.New(nil, rc)
		handle, err := client.Subscribe(resource, filterExpr, "tail", realtime.Callbacks{
			OnInsert: out.event,
			OnUpdate: out.event,
			OnDelete: out.event,
			OnError:  func(err error) { out.status("error: " + err.Error()) },
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if presenceName != "" {
			pid, err := client.TrackPresence(handle.Channel(), actor, presenceName)
			if err != nil {
				return err
			}
			out.status(fmt.Sprintf("joined %s as %s (%s)", handle.Channel(), presenceName, pid))
			go watchPresence(ctx, client, handle.Channel(), out)
		}

		out.status(fmt.Sprintf("tailing %s", handle.Channel()))
		return client.Run(ctx)
	},
}

// watchPresence prints the channel's participants whenever the set or their
// typing state changes.
func watchPresence(ctx context.Context, client *realtime.Client, key protocol.ChannelKey, out *tailPrinter) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		entries := client.PresenceSnapshot(key)
		parts := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.DisplayName
			if e.IsTyping {
				name += " (typing)"
			}
			parts = append(parts, name)
		}
		line := strings.Join(parts, ", ")
		if line != last {
			last = line
			out.presence(key, entries, line)
		}
	}
}

// tailPrinter serializes output from the client loop and the presence
// watcher.
type tailPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *tailPrinter) event(ev protocol.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		return json.NewEncoder(p.w).Encode(ev)
	}
	row := ev.New
	if ev.Op == protocol.OpDelete {
		row = ev.Old
	}
	data, _ := json.Marshal(row)
	fmt.Fprintf(p.w, "%s  #%-6s %-6s %s %s\n", ev.Timestamp.Local().Format("15:04:05"), ev.ID, ev.Op, ev.Resource, data)
	return nil
}

func (p *tailPrinter) notification(n realtime.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		json.NewEncoder(p.w).Encode(map[string]any{"notification": n.Event, "channel": n.Channel.String()})
		return
	}
	fmt.Fprintf(p.w, "!! new %s on %s\n", strings.ToLower(string(n.Event.Op)), n.Channel)
}

func (p *tailPrinter) presence(key protocol.ChannelKey, entries []realtime.PresenceEntry, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		json.NewEncoder(p.w).Encode(map[string]any{"presence": entries, "channel": key.String()})
		return
	}
	if line == "" {
		line = "nobody else"
	}
	fmt.Fprintf(p.w, "-- here: %s\n", line)
}

func (p *tailPrinter) status(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(os.Stderr, "-- %s\n", msg)
}

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().String("filter", "", "Row filter, e.g. room_id=eq.1")
	tailCmd.Flags().String("presence", "", "Join the channel's presence under this display name")
	tailCmd.Flags().String("actor", "", "Local actor id; its own writes never notify")
	tailCmd.Flags().Bool("json", false, "Print JSON lines even on a terminal")
	tailCmd.Flags().Bool("notify", false, "Print rate-limited notifications for new rows")
	tailCmd.Flags().String("url", "", "Feed WebSocket URL (default from config)")
	tailCmd.Flags().String("key", "", "API key (default from config or minted from the JWT secret)")
}
