package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadSnapshotFromFile(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(
		serviceSection(""),
		slackChannelSection("xoxb-token"),
		`[dispatch.retry]
max_attempts = 5
initial_ms = 10
max_ms = 100`,
		slackRule("critical-ops", 10, `severity = "critical"`),
	))

	if cfg.Service.Name != "alerthub" {
		t.Fatalf("unexpected service name %q", cfg.Service.Name)
	}
	if cfg.Service.Mode != ServiceModeSingle {
		t.Fatalf("expected single mode by default, got %q", cfg.Service.Mode)
	}
	if cfg.Store.Backend != StoreBackendMemory {
		t.Fatalf("expected memory backend in single mode, got %q", cfg.Store.Backend)
	}
	if len(cfg.Rule) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(cfg.Rule))
	}
	rule := cfg.Rule[0]
	if rule.Name != "critical-ops" || !rule.Active || rule.Priority != 10 {
		t.Fatalf("unexpected rule %+v", rule)
	}
	if rule.Match["severity"] != "critical" {
		t.Fatalf("unexpected match %v", rule.Match)
	}
	if rule.TitleTemplate == "" || rule.CommentTemplate == "" {
		t.Fatalf("expected default templates, got %+v", rule)
	}
	if cfg.Dispatch.Retry.MaxAttempts != 5 || cfg.Dispatch.Retry.InitialMS != 10 {
		t.Fatalf("unexpected retry %+v", cfg.Dispatch.Retry)
	}
	if cfg.LockWait() != 5*time.Second {
		t.Fatalf("unexpected lock wait %s", cfg.LockWait())
	}
	if cfg.Ingest.BatchPolicy != BatchPolicySkipInvalid {
		t.Fatalf("unexpected batch policy %q", cfg.Ingest.BatchPolicy)
	}
}

func TestLoadSnapshotDefaults(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, serviceSection(""))

	if cfg.HTTP.WebhookPath != "/api/v1/webhook" {
		t.Fatalf("unexpected webhook path %q", cfg.HTTP.WebhookPath)
	}
	if cfg.Dispatch.Retry.MaxAttempts != 3 || cfg.Dispatch.Retry.InitialMS != 500 || cfg.Dispatch.Retry.MaxMS != 60000 {
		t.Fatalf("unexpected retry defaults %+v", cfg.Dispatch.Retry)
	}
	if cfg.Dispatch.Workers != 8 || cfg.Dispatch.Backlog != 1024 {
		t.Fatalf("unexpected dispatch lanes %d/%d", cfg.Dispatch.Workers, cfg.Dispatch.Backlog)
	}
	if cfg.DispatchTimeout() != 10*time.Second {
		t.Fatalf("unexpected dispatch timeout %s", cfg.DispatchTimeout())
	}
	if cfg.Channel.Jira.Create.RefJSONPath != "key" {
		t.Fatalf("expected jira create ref path default, got %q", cfg.Channel.Jira.Create.RefJSONPath)
	}
	if cfg.Channel.Jira.DefaultOptions["issue_type"] != "Task" {
		t.Fatalf("expected jira issue_type default, got %v", cfg.Channel.Jira.DefaultOptions)
	}
	if cfg.Channel.YouTrack.Create.RefJSONPath != "idReadable" {
		t.Fatalf("expected youtrack create ref path default, got %q", cfg.Channel.YouTrack.Create.RefJSONPath)
	}
	if !cfg.Log.Console.Enabled {
		t.Fatalf("expected console sink enabled by default")
	}
}

func TestLoadSnapshotFromDirAndDuplicateRuleValidation(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeConfigFile(t, filepath.Join(tmpDir, "a.toml"), joinSections(
		slackChannelSection("token"),
		slackRule("ops", 1, ""),
	))
	writeConfigFile(t, filepath.Join(tmpDir, "b.toml"), slackRule("ops", 2, ""))

	_, err := LoadSnapshot(ConfigSource{Dir: tmpDir})
	if err == nil {
		t.Fatalf("expected duplicate rule validation error")
	}
	if !strings.Contains(err.Error(), "duplicate rule name") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadDirOverlaysSectionsAndAppendsRules(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeConfigFile(t, filepath.Join(tmpDir, "00-base.toml"), joinSections(
		serviceSection(""),
		`[dispatch]
workers = 2`,
		slackChannelSection("first"),
		slackRule("ops", 1, ""),
	))
	writeConfigFile(t, filepath.Join(tmpDir, "10-override.toml"), joinSections(
		`[channel.slack]
enabled = true
bot_token = "second"`,
		`[channel.sms]
enabled = true
url = "http://sms.local/send"
[channel.sms.phonebook]
oncall = "+15550001"`,
		`[rule.pager]
channel = "sms"
priority = 5`,
	))

	cfg, err := LoadSnapshot(ConfigSource{Dir: tmpDir})
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if cfg.Channel.Slack.BotToken != "second" {
		t.Fatalf("expected later slack section to win, got %q", cfg.Channel.Slack.BotToken)
	}
	if cfg.Dispatch.Workers != 2 {
		t.Fatalf("expected dispatch section from first fragment kept, got %d", cfg.Dispatch.Workers)
	}
	if len(cfg.Rule) != 2 {
		t.Fatalf("expected rules from both fragments, got %d", len(cfg.Rule))
	}
	if cfg.Channel.SMS.Phonebook["oncall"] != "+15550001" {
		t.Fatalf("unexpected phonebook %v", cfg.Channel.SMS.Phonebook)
	}
}

func TestLoadSnapshotExpandsEnvironment(t *testing.T) {
	t.Setenv("ALERTHUB_TEST_SLACK_TOKEN", "xoxb-from-env")

	cfg := mustLoadSnapshot(t, joinSections(
		`[channel.slack]
enabled = true
bot_token = "${ALERTHUB_TEST_SLACK_TOKEN}"`,
		slackRule("ops", 1, ""),
	))
	if cfg.Channel.Slack.BotToken != "xoxb-from-env" {
		t.Fatalf("expected expanded token, got %q", cfg.Channel.Slack.BotToken)
	}
}

func TestLoadSnapshotRuleValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "reject unsupported channel",
			content: "[rule.x]\nchannel = \"pager\"\ntarget = \"a\"",
			wantErr: "unsupported value \"pager\"",
		},
		{
			name:    "reject disabled channel",
			content: slackRule("x", 1, ""),
			wantErr: "is not enabled",
		},
		{
			name:    "inactive rule may reference disabled channel",
			content: "[rule.x]\nactive = false\nchannel = \"slack\"\ntarget = \"#ops\"",
		},
		{
			name: "reject unknown template variable",
			content: joinSections(
				slackChannelSection("t"),
				"[rule.x]\nchannel = \"slack\"\ntarget = \"#ops\"\ntitle_template = \"{{ nope }}\"",
			),
			wantErr: "title_template is invalid",
		},
		{
			name: "reject unclosed template",
			content: joinSections(
				slackChannelSection("t"),
				"[rule.x]\nchannel = \"slack\"\ntarget = \"#ops\"\ncomment_template = \"{{ alertname \"",
			),
			wantErr: "comment_template is invalid",
		},
		{
			name: "reject missing target",
			content: joinSections(
				slackChannelSection("t"),
				"[rule.x]\nchannel = \"slack\"",
			),
			wantErr: "target is required",
		},
		{
			name: "reject explicit name key",
			content: joinSections(
				slackChannelSection("t"),
				"[rule.x]\nname = \"y\"\nchannel = \"slack\"\ntarget = \"#ops\"",
			),
			wantErr: "rule.x.name is not supported",
		},
		{
			name:    "reject array tables",
			content: "[[rule]]\nchannel = \"slack\"",
			wantErr: "array tables",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := loadSnapshotFromContent(t, tt.content)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("load snapshot: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadSnapshotServiceModeAndStore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
		check   func(t *testing.T, cfg Config)
	}{
		{
			name:    "nats mode defaults to nats store and derives urls",
			content: serviceSection(ServiceModeNATS) + "\n[ingest.nats]\nurl = [\" nats://a:4222 \"]",
			check: func(t *testing.T, cfg Config) {
				if cfg.Store.Backend != StoreBackendNATS {
					t.Fatalf("unexpected backend %q", cfg.Store.Backend)
				}
				if cfg.Store.NATS.URL[0] != "nats://a:4222" || cfg.Dispatch.Queue.URL[0] != "nats://a:4222" {
					t.Fatalf("expected derived urls, got %v %v", cfg.Store.NATS.URL, cfg.Dispatch.Queue.URL)
				}
				if cfg.Ingest.NATS.Stream == "" || cfg.Ingest.NATS.Subject == "" {
					t.Fatalf("expected fixed stream routing keys")
				}
			},
		},
		{
			name:    "single mode disables queue",
			content: serviceSection(ServiceModeSingle) + "\n[dispatch.queue]\nenabled = true",
			check: func(t *testing.T, cfg Config) {
				if cfg.Dispatch.Queue.Enabled {
					t.Fatalf("expected queue disabled in single mode")
				}
			},
		},
		{
			name:    "memory store rejected in nats mode",
			content: serviceSection(ServiceModeNATS) + "\n[store]\nbackend = \"memory\"",
			wantErr: "store.backend=memory requires service.mode=single",
		},
		{
			name:    "postgres requires dsn",
			content: serviceSection("") + "\n[store]\nbackend = \"postgres\"",
			wantErr: "store.dsn is required",
		},
		{
			name:    "unknown mode",
			content: serviceSection("cluster"),
			wantErr: "service.mode has unsupported value",
		},
		{
			name:    "unknown batch policy",
			content: "[ingest]\nbatch_policy = \"drop\"",
			wantErr: "ingest.batch_policy",
		},
		{
			name:    "dlq requires queue",
			content: serviceSection(ServiceModeNATS) + "\n[dispatch.queue]\ndlq = true",
			wantErr: "dispatch.queue.dlq requires",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := loadSnapshotFromContent(t, tt.content)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("load snapshot: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadSnapshotTrackerValidation(t *testing.T) {
	t.Parallel()

	err := loadSnapshotErr(t, `[channel.jira]
enabled = true
base_url = "https://jira.example.com"
[channel.jira.auth]
type = "basic"
username = "bot"`)
	if !strings.Contains(err.Error(), "channel.jira.auth.username and password") {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := mustLoadSnapshot(t, `[channel.youtrack]
enabled = true
base_url = "https://yt.example.com"
[channel.youtrack.auth]
type = "bearer"
token = "perm:abc"
[rule.tickets]
channel = "youtrack"
target = "0-1"`)
	if cfg.Channel.YouTrack.Comment.Path != "/api/issues/{{ ref }}/comments" {
		t.Fatalf("unexpected youtrack comment path %q", cfg.Channel.YouTrack.Comment.Path)
	}
}

func TestLoadSnapshotSilences(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, `[silence.maintenance]
starts_at = 2026-01-01T00:00:00Z
ends_at = 2026-01-01T02:00:00Z
comment = "db upgrade"
[silence.maintenance.matchers]
instance = "db-1"`)
	if len(cfg.Silence) != 1 {
		t.Fatalf("expected one silence, got %d", len(cfg.Silence))
	}
	silence := cfg.Silence[0]
	if silence.Name != "maintenance" || silence.Matchers["instance"] != "db-1" {
		t.Fatalf("unexpected silence %+v", silence)
	}
	if !silence.EndsAt.Equal(time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected ends_at %s", silence.EndsAt)
	}

	err := loadSnapshotErr(t, `[silence.bad]
starts_at = 2026-01-01T02:00:00Z
ends_at = 2026-01-01T00:00:00Z
[silence.bad.matchers]
instance = "db-1"`)
	if !strings.Contains(err.Error(), "ends_at must be after starts_at") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFromCLI(t *testing.T) {
	t.Parallel()

	if _, err := FromCLI("", ""); err == nil {
		t.Fatalf("expected error without source")
	}
	if _, err := FromCLI("a.toml", "dir"); err == nil {
		t.Fatalf("expected error with both sources")
	}
	src, err := FromCLI(" a.toml ", "")
	if err != nil || src.File != "a.toml" {
		t.Fatalf("unexpected source %+v err=%v", src, err)
	}
	if got := src.Paths(); len(got) != 1 || got[0] != "a.toml" {
		t.Fatalf("unexpected paths %v", got)
	}
}

func TestChannelHelpers(t *testing.T) {
	t.Parallel()

	if !IsTicketChannel("JIRA") || IsTicketChannel(ChannelSlack) {
		t.Fatalf("unexpected ticket channel classification")
	}
	channels := ChannelsConfig{Slack: SlackConfig{Enabled: true, RateLimit: RateLimit{RatePerSec: 2, Burst: 4}}}
	if !ChannelEnabled(channels, ChannelSlack) || ChannelEnabled(channels, ChannelSMS) {
		t.Fatalf("unexpected channel enabled state")
	}
	if got := ChannelRateLimit(channels, ChannelSlack); got.RatePerSec != 2 || got.Burst != 4 {
		t.Fatalf("unexpected limit %+v", got)
	}
	if len(ChannelNames()) != 6 {
		t.Fatalf("unexpected channel names %v", ChannelNames())
	}
}

func serviceSection(mode string) string {
	if mode == "" {
		return `[service]
name = "alerthub"`
	}
	return fmt.Sprintf(`[service]
name = "alerthub"
mode = %q`, mode)
}

func slackChannelSection(token string) string {
	return fmt.Sprintf(`[channel.slack]
enabled = true
bot_token = %q`, token)
}

func slackRule(name string, priority int, match string) string {
	rule := fmt.Sprintf(`[rule.%s]
channel = "slack"
target = "#ops"
priority = %d`, name, priority)
	if match != "" {
		rule += fmt.Sprintf("\n[rule.%s.match]\n%s", name, match)
	}
	return rule
}

func mustLoadSnapshot(t *testing.T, content string) Config {
	t.Helper()
	cfg, err := loadSnapshotFromContent(t, content)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return cfg
}

func loadSnapshotErr(t *testing.T, content string) error {
	t.Helper()
	_, err := loadSnapshotFromContent(t, content)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	return err
}

func loadSnapshotFromContent(t *testing.T, content string) (Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigFile(t, path, content)
	return LoadSnapshot(ConfigSource{File: path})
}

func joinSections(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		nonEmpty = append(nonEmpty, trimmed)
	}
	return strings.Join(nonEmpty, "\n\n") + "\n"
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}
