package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"alerthub/internal/config"
	"alerthub/internal/faults"
)

// smsAnnotation names the instance annotation carrying fallback recipients.
const smsAnnotation = "sms"

// SMSAdapter posts text to an HTTP SMS gateway once per recipient.
type SMSAdapter struct {
	cfg    config.SMSConfig
	client *http.Client
}

// NewSMSAdapter creates SMS adapter.
func NewSMSAdapter(cfg config.SMSConfig) *SMSAdapter {
	return &SMSAdapter{cfg: cfg, client: newHTTPClient(cfg.TimeoutSec)}
}

// Channel returns adapter channel name.
func (a *SMSAdapter) Channel() string { return config.ChannelSMS }

// Notify sends message to every recipient; SMS has no external reference.
// Params: context, comma list of numbers or phonebook names, and content.
// Returns: empty ref and first delivery error.
func (a *SMSAdapter) Notify(ctx context.Context, target string, content Content) (string, error) {
	recipients := a.recipients(target, content)
	if len(recipients) == 0 {
		return "", faults.Permanent(config.ChannelSMS, errors.New("no sms recipients"))
	}
	message := messageText(Content{Title: content.Title, Body: content.Body})
	for _, to := range recipients {
		payload := map[string]string{"to": to, "message": message}
		if err := postJSON(ctx, a.client, config.ChannelSMS, a.cfg.URL, a.cfg.Headers, payload, nil); err != nil {
			return "", err
		}
	}
	return "", nil
}

// recipients expands target (or the sms annotation) through the phonebook.
func (a *SMSAdapter) recipients(target string, content Content) []string {
	source := strings.TrimSpace(target)
	if source == "" {
		source = strings.TrimSpace(content.Context.Annotations[smsAnnotation])
	}
	var out []string
	seen := make(map[string]struct{})
	for _, item := range strings.Split(source, ",") {
		name := strings.TrimSpace(item)
		if name == "" {
			continue
		}
		if number, ok := a.cfg.Phonebook[name]; ok {
			name = number
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
