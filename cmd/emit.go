package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/markb/livesync/internal/config"
	"github.com/markb/livesync/internal/feed"
	"github.com/markb/livesync/internal/protocol"
)

var emitCmd = &cobra.Command{
	Use:   "emit <resource> <INSERT|UPDATE|DELETE>",
	Short: "Append a change to the feed",
	Long: `Posts a change to a running server's ingest endpoint. The server assigns
its id and delivers it to every matching subscriber.

Examples:
  livesync emit messages INSERT --new '{"id":1,"room_id":1,"body":"hi"}'
  livesync emit tasks UPDATE --new '{"id":4,"done":true}' --old '{"id":4,"done":false}'
  livesync emit tasks DELETE --old '{"id":4}' --actor alice`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		change := feed.Change{
			Resource: args[0],
			Op:       protocol.Operation(strings.ToUpper(args[1])),
		}
		change.Actor, _ = cmd.Flags().GetString("actor")
		if change.New, err = rowFlag(cmd, "new"); err != nil {
			return err
		}
		if change.Old, err = rowFlag(cmd, "old"); err != nil {
			return err
		}
		if err := change.Validate(); err != nil {
			return err
		}

		key, _ := cmd.Flags().GetString("key")
		if key == "" {
			if key, err = serviceKey(cfg); err != nil {
				return err
			}
		}
		base, _ := cmd.Flags().GetString("server")
		if base == "" {
			if base, err = httpBase(cfg.Client.URL); err != nil {
				return err
			}
		}

		ev, err := postChange(base, key, change)
		if err != nil {
			return err
		}
		fmt.Printf("Appended %s %s as change %s\n", ev.Resource, ev.Op, ev.ID)
		return nil
	},
}

func rowFlag(cmd *cobra.Command, name string) (map[string]any, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return nil, nil
	}
	var row map[string]any
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	return row, nil
}

// serviceKey returns the configured service key, or mints one from the JWT
// secret.
func serviceKey(cfg *config.Config) (string, error) {
	if cfg.Server.ServiceKey != "" {
		return cfg.Server.ServiceKey, nil
	}
	return generateAPIKey(jwtSecret(cfg.Server.JWTSecret), feed.RoleService)
}

// httpBase derives the server's HTTP origin from the feed WebSocket URL.
func httpBase(feedURL string) (string, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return "", fmt.Errorf("invalid feed url %q: %w", feedURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.Scheme + "://" + u.Host, nil
}

func postChange(base, key string, c feed.Change) (*protocol.Event, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(base, "/")+"/realtime/v1/changes", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		var e feed.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			return nil, fmt.Errorf("server rejected change (%d): %s", resp.StatusCode, e.Message)
		}
		return nil, fmt.Errorf("server rejected change (%d)", resp.StatusCode)
	}

	var ev protocol.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("invalid server response: %w", err)
	}
	return &ev, nil
}

func init() {
	rootCmd.AddCommand(emitCmd)
	emitCmd.Flags().String("new", "", "New row as a JSON object")
	emitCmd.Flags().String("old", "", "Old row as a JSON object")
	emitCmd.Flags().String("actor", "", "Actor id recorded with the change")
	emitCmd.Flags().String("key", "", "Service role API key (default from config or minted from the JWT secret)")
	emitCmd.Flags().String("server", "", "Server origin, e.g. http://localhost:8080 (default derived from client.url)")
}
