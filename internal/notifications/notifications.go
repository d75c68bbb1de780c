package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultServer = "https://ntfy.sh"

type Notifier interface {
	Send(title, message string) error
}

type Config struct {
	Server string `mapstructure:"server" json:"server"`
	Topic  string `mapstructure:"topic" json:"topic"`
}

// New returns an ntfy notifier, or a notifier that only logs when no topic
// is configured.
func New(cfg Config) Notifier {
	if cfg.Topic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return Nop{}
	}
	server := strings.TrimRight(cfg.Server, "/")
	if server == "" {
		server = DefaultServer
	}
	log.Info().Str("server", server).Str("topic", cfg.Topic).Msg("Ntfy notifications initialized")
	return &Ntfy{
		client: &http.Client{Timeout: 10 * time.Second},
		server: server,
		topic:  cfg.Topic,
	}
}

type Ntfy struct {
	client *http.Client
	server string
	topic  string
}

// Send posts a notification to the ntfy server
func (n *Ntfy) Send(title, message string) error {
	payload := map[string]interface{}{
		"topic":   n.topic,
		"title":   title,
		"message": message,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	// ntfy accepts JSON publishes on the server root
	req, err := http.NewRequest(http.MethodPost, n.server+"/", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")

	return nil
}

// Nop logs notifications instead of sending them.
type Nop struct{}

func (Nop) Send(title, message string) error {
	log.Info().Str("title", title).Str("message", message).Msg("Notification (not sent)")
	return nil
}
