package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"alerthub/internal/config"
	"alerthub/internal/faults"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// slackTransientErrors lists Slack `error` codes worth retrying.
var slackTransientErrors = map[string]struct{}{
	"ratelimited":         {},
	"internal_error":      {},
	"fatal_error":         {},
	"service_unavailable": {},
	"request_timeout":     {},
}

// SlackAdapter posts messages through Slack Web API chat.postMessage.
// Params: bot token, API base, and HTTP client.
// Returns: Slack channel adapter; refs are thread root timestamps.
type SlackAdapter struct {
	cfg    config.SlackConfig
	client *http.Client
}

// NewSlackAdapter creates Slack adapter.
func NewSlackAdapter(cfg config.SlackConfig) *SlackAdapter {
	return &SlackAdapter{cfg: cfg, client: newHTTPClient(cfg.TimeoutSec)}
}

// Channel returns adapter channel name.
func (a *SlackAdapter) Channel() string { return config.ChannelSlack }

// Notify posts message, threading under ref when present.
// Params: context, Slack channel id, and content.
// Returns: thread root ts.
func (a *SlackAdapter) Notify(ctx context.Context, target string, content Content) (string, error) {
	payload := struct {
		Channel  string `json:"channel"`
		Text     string `json:"text"`
		ThreadTS string `json:"thread_ts,omitempty"`
	}{
		Channel:  target,
		Text:     messageText(content),
		ThreadTS: content.Ref,
	}
	var decoded struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		TS    string `json:"ts"`
	}
	endpoint := strings.TrimRight(a.cfg.APIBase, "/") + "/chat.postMessage"
	headers := map[string]string{"Authorization": "Bearer " + strings.TrimSpace(a.cfg.BotToken)}
	if err := postJSON(ctx, a.client, config.ChannelSlack, endpoint, headers, payload, &decoded); err != nil {
		return "", err
	}
	if !decoded.OK {
		cause := fmt.Errorf("slack api error: %s", decoded.Error)
		if _, ok := slackTransientErrors[decoded.Error]; ok {
			return "", faults.Transient(config.ChannelSlack, cause)
		}
		return "", faults.Permanent(config.ChannelSlack, cause)
	}
	if content.Ref != "" {
		return content.Ref, nil
	}
	if decoded.TS == "" {
		return "", faults.Permanent(config.ChannelSlack, errors.New("slack response missing ts"))
	}
	return decoded.TS, nil
}

// MattermostAdapter posts notifications to Mattermost API posts endpoint.
// Params: API base URL, bot token, and HTTP client.
// Returns: Mattermost adapter; refs are root post ids.
type MattermostAdapter struct {
	cfg    config.MattermostConfig
	client *http.Client
}

// NewMattermostAdapter creates Mattermost adapter.
func NewMattermostAdapter(cfg config.MattermostConfig) *MattermostAdapter {
	return &MattermostAdapter{cfg: cfg, client: newHTTPClient(cfg.TimeoutSec)}
}

// Channel returns adapter channel name.
func (a *MattermostAdapter) Channel() string { return config.ChannelMattermost }

// Notify posts one message to Mattermost channel, replying under ref when present.
// Params: context, channel id, and content.
// Returns: root post id.
func (a *MattermostAdapter) Notify(ctx context.Context, target string, content Content) (string, error) {
	payload := struct {
		ChannelID string `json:"channel_id"`
		Message   string `json:"message"`
		RootID    string `json:"root_id,omitempty"`
	}{
		ChannelID: strings.TrimSpace(target),
		Message:   messageText(content),
		RootID:    content.Ref,
	}
	var decoded struct {
		ID string `json:"id"`
	}
	endpoint := strings.TrimRight(strings.TrimSpace(a.cfg.BaseURL), "/") + "/api/v4/posts"
	headers := map[string]string{"Authorization": "Bearer " + strings.TrimSpace(a.cfg.BotToken)}
	if err := postJSON(ctx, a.client, config.ChannelMattermost, endpoint, headers, payload, &decoded); err != nil {
		return "", err
	}
	if content.Ref != "" {
		return content.Ref, nil
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return "", faults.Permanent(config.ChannelMattermost, errors.New("mattermost response missing id"))
	}
	return decoded.ID, nil
}

// TelegramAdapter sends notifications through Telegram Bot API.
// Params: bot client built from token and API base.
// Returns: Telegram adapter; refs are root message ids.
type TelegramAdapter struct {
	client *tgbot.Bot
}

// NewTelegramAdapter creates Telegram adapter.
// Params: Telegram config.
// Returns: adapter or bot init error.
func NewTelegramAdapter(cfg config.TelegramConfig) (*TelegramAdapter, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramAdapter{client: botClient}, nil
}

// Channel returns adapter channel name.
func (a *TelegramAdapter) Channel() string { return config.ChannelTelegram }

// Notify posts one message to chat, replying to ref message when present.
// Params: context, chat id, and content.
// Returns: root message id as decimal string.
func (a *TelegramAdapter) Notify(ctx context.Context, target string, content Content) (string, error) {
	request := &tgbot.SendMessageParams{
		ChatID: normalizeChatID(target),
		Text:   messageText(content),
	}
	if replyTo, err := strconv.Atoi(content.Ref); err == nil && replyTo > 0 {
		request.ReplyParameters = &tgmodels.ReplyParameters{
			MessageID:                replyTo,
			AllowSendingWithoutReply: true,
		}
	}

	sent, err := a.client.SendMessage(ctx, request)
	if err != nil {
		return "", classifyTelegramError(err)
	}
	if content.Ref != "" {
		return content.Ref, nil
	}
	if sent == nil || sent.ID <= 0 {
		return "", faults.Permanent(config.ChannelTelegram, errors.New("telegram send returned empty message id"))
	}
	return strconv.Itoa(sent.ID), nil
}

// classifyTelegramError maps bot API errors to delivery classes.
func classifyTelegramError(err error) error {
	switch {
	case errors.Is(err, tgbot.ErrorBadRequest),
		errors.Is(err, tgbot.ErrorUnauthorized),
		errors.Is(err, tgbot.ErrorForbidden),
		errors.Is(err, tgbot.ErrorNotFound):
		return faults.Permanent(config.ChannelTelegram, err)
	default:
		return faults.Transient(config.ChannelTelegram, err)
	}
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: chat id from rule target.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
