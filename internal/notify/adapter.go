package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"alerthub/internal/config"
	"alerthub/internal/domain"
	"alerthub/internal/faults"
	"alerthub/internal/templatefmt"
)

// maxErrorBody bounds response bytes echoed into delivery errors.
const maxErrorBody = 512

// Content is the rendered payload handed to one channel adapter.
// Params: rendered title/body, stored external reference, transition kind, rule options, and render context.
// Returns: adapter input.
type Content struct {
	Title   string
	Body    string
	Ref     string
	Kind    domain.TransitionKind
	Options map[string]string
	// Context lets adapters render their own request templates against the same group view.
	Context templatefmt.Context
}

// Adapter delivers content to one external system.
// Params: context, rule target, and content.
// Returns: external reference (ticket key, message id) or classified delivery error.
type Adapter interface {
	Channel() string
	Notify(ctx context.Context, target string, content Content) (string, error)
}

// NewAdapters builds adapters for every enabled channel.
// Params: channel sections from config snapshot.
// Returns: adapters keyed by channel name or construction error.
func NewAdapters(cfg config.ChannelsConfig) (map[string]Adapter, error) {
	adapters := make(map[string]Adapter)
	for _, channel := range config.ChannelNames() {
		if !config.ChannelEnabled(cfg, channel) {
			continue
		}
		adapter, err := newAdapterForChannel(channel, cfg)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", channel, err)
		}
		adapters[channel] = adapter
	}
	return adapters, nil
}

// newAdapterForChannel builds transport adapter implementation for one channel key.
// Params: normalized channel key and channel sections.
// Returns: adapter or construction error.
func newAdapterForChannel(channel string, cfg config.ChannelsConfig) (Adapter, error) {
	switch channel {
	case config.ChannelSlack:
		return NewSlackAdapter(cfg.Slack), nil
	case config.ChannelMattermost:
		return NewMattermostAdapter(cfg.Mattermost), nil
	case config.ChannelTelegram:
		return NewTelegramAdapter(cfg.Telegram)
	case config.ChannelJira:
		return NewTrackerAdapter(config.ChannelJira, cfg.Jira)
	case config.ChannelYouTrack:
		return NewTrackerAdapter(config.ChannelYouTrack, cfg.YouTrack)
	case config.ChannelSMS:
		return NewSMSAdapter(cfg.SMS), nil
	default:
		return nil, fmt.Errorf("unsupported channel %q", channel)
	}
}

// messageText joins title and body for chat-like channels; thread replies carry body only.
func messageText(content Content) string {
	if content.Ref != "" || strings.TrimSpace(content.Title) == "" {
		return content.Body
	}
	if strings.TrimSpace(content.Body) == "" {
		return content.Title
	}
	return content.Title + "\n" + content.Body
}

// newHTTPClient returns client with per-channel timeout.
func newHTTPClient(timeoutSec int) *http.Client {
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	return &http.Client{Timeout: time.Duration(timeoutSec) * time.Second}
}

// postJSON sends JSON payload and decodes JSON response into out (optional).
// Params: context, client, channel label, URL, headers, payload, and decode target.
// Returns: transient error for transport/retryable statuses, permanent for other non-2xx.
func postJSON(ctx context.Context, client *http.Client, channel, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return faults.Permanent(channel, fmt.Errorf("encode payload: %w", err))
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return faults.Permanent(channel, fmt.Errorf("build request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json; charset=utf-8")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return faults.Transient(channel, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError(channel, response)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return faults.Transient(channel, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// unexpectedHTTPStatusError classifies non-2xx HTTP response with optional body.
// Params: channel label and HTTP response pointer.
// Returns: transient or permanent delivery error.
func unexpectedHTTPStatusError(channel string, response *http.Response) error {
	if response == nil {
		return faults.Transient(channel, errors.New("status=0"))
	}
	rawBody, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	return faults.FromHTTPStatus(channel, response.StatusCode, string(rawBody))
}
