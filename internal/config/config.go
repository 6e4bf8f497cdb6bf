package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"alerthub/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName       = "alerthub"
	defaultHTTPListen        = ":8080"
	defaultWebhookPath       = "/api/v1/webhook"
	defaultHealthPath        = "/healthz"
	defaultReadyPath         = "/readyz"
	defaultMetricsPath       = "/metrics"
	defaultMaxBodyBytes      = 2 << 20
	defaultIngestWorkers     = 4
	defaultIngestQueueSize   = 1024
	defaultRequeueDelayMS    = 250
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultNATSSubject       = "alerthub.webhook"
	defaultNATSIngestStream  = "ALERTHUB_WEBHOOK"
	defaultNATSIngestDurable = "alerthub-ingest"
	defaultNATSIngestGroup   = "alerthub-workers"
	defaultNATSAckWaitSec    = 30
	defaultNATSNackDelayMS   = 1000
	defaultNATSMaxDeliver    = -1
	defaultNATSMaxAckPending = 2048
	defaultLockWaitMS        = 5000
	defaultGroupsBucket      = "alerthub_groups"
	defaultLocksBucket       = "alerthub_locks"
	defaultLockTTLSec        = 30
	defaultEventsSubject     = "alerthub.lifecycle"
	defaultDispatchWorkers   = 8
	defaultDispatchBacklog   = 1024
	defaultDispatchTimeoutMS = 10000
	defaultRetryAttempts     = 3
	defaultRetryInitialMS    = 500
	defaultRetryMaxMS        = 60000
	defaultChannelTimeoutSec = 10
	defaultTitleTemplate     = "[{{ severity | upper }}] {{ alertname }}"
	defaultBodyTemplate      = "{{ alertname }} is {{ status }} on {{ instance }}\n{{ annotations.summary }}"
	defaultCommentTemplate   = "{{ alertname }}: {{ transition }} ({{ status }})"

	// ServiceModeNATS runs ingest/state/queue over NATS JetStream.
	ServiceModeNATS = "nats"
	// ServiceModeSingle runs single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// StoreBackendMemory keeps groups in process memory.
	StoreBackendMemory = "memory"
	// StoreBackendNATS keeps groups in JetStream KV.
	StoreBackendNATS = "nats"
	// StoreBackendPostgres keeps groups in PostgreSQL.
	StoreBackendPostgres = "postgres"

	// BatchPolicySkipInvalid processes valid alerts and reports invalid ones.
	BatchPolicySkipInvalid = "skip_invalid"
	// BatchPolicyAbort rejects the whole batch on the first invalid alert.
	BatchPolicyAbort = "abort"

	// ChannelSlack identifies Slack chat transport.
	ChannelSlack = "slack"
	// ChannelMattermost identifies Mattermost chat transport.
	ChannelMattermost = "mattermost"
	// ChannelTelegram identifies Telegram chat transport.
	ChannelTelegram = "telegram"
	// ChannelJira identifies Jira tracker transport.
	ChannelJira = "jira"
	// ChannelYouTrack identifies YouTrack tracker transport.
	ChannelYouTrack = "youtrack"
	// ChannelSMS identifies SMS gateway transport.
	ChannelSMS = "sms"
)

var (
	channelOrder = []string{
		ChannelSlack,
		ChannelMattermost,
		ChannelTelegram,
		ChannelJira,
		ChannelYouTrack,
		ChannelSMS,
	}
	channelRegistry = map[string]channelDescriptor{
		ChannelSlack: {
			enabled: func(cfg ChannelsConfig) bool { return cfg.Slack.Enabled },
			limit:   func(cfg ChannelsConfig) RateLimit { return cfg.Slack.RateLimit },
		},
		ChannelMattermost: {
			enabled: func(cfg ChannelsConfig) bool { return cfg.Mattermost.Enabled },
			limit:   func(cfg ChannelsConfig) RateLimit { return cfg.Mattermost.RateLimit },
		},
		ChannelTelegram: {
			enabled: func(cfg ChannelsConfig) bool { return cfg.Telegram.Enabled },
			limit:   func(cfg ChannelsConfig) RateLimit { return cfg.Telegram.RateLimit },
		},
		ChannelJira: {
			enabled: func(cfg ChannelsConfig) bool { return cfg.Jira.Enabled },
			limit:   func(cfg ChannelsConfig) RateLimit { return cfg.Jira.RateLimit },
			ticket:  true,
		},
		ChannelYouTrack: {
			enabled: func(cfg ChannelsConfig) bool { return cfg.YouTrack.Enabled },
			limit:   func(cfg ChannelsConfig) RateLimit { return cfg.YouTrack.RateLimit },
			ticket:  true,
		},
		ChannelSMS: {
			enabled: func(cfg ChannelsConfig) bool { return cfg.SMS.Enabled },
			limit:   func(cfg ChannelsConfig) RateLimit { return cfg.SMS.RateLimit },
		},
	}
	legacyRuleArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*(?:rule|silence)\s*\]\]`)
	envReferencePattern    = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// channelDescriptor stores generic accessors for one channel transport.
// Params: config readers for enabled/limit fields and ticketing marker.
// Returns: channel metadata used by generic helpers.
type channelDescriptor struct {
	enabled func(ChannelsConfig) bool
	limit   func(ChannelsConfig) RateLimit
	ticket  bool
}

// Config is the full runtime configuration snapshot.
// Params: decoded sections plus named rule/silence tables.
// Returns: validated snapshot consumed by service composition.
type Config struct {
	Service  ServiceConfig   `toml:"service"`
	Log      LogConfig       `toml:"log"`
	HTTP     HTTPConfig      `toml:"http"`
	Ingest   IngestConfig    `toml:"ingest"`
	Store    StoreConfig     `toml:"store"`
	Events   EventsConfig    `toml:"events"`
	Dispatch DispatchConfig  `toml:"dispatch"`
	Channel  ChannelsConfig  `toml:"channel"`
	Rule     []RuleConfig    `toml:"-"`
	Silence  []SilenceConfig `toml:"-"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw rule/silence maps keyed by table name.
type rawConfig struct {
	Service  ServiceConfig               `toml:"service"`
	Log      LogConfig                   `toml:"log"`
	HTTP     HTTPConfig                  `toml:"http"`
	Ingest   IngestConfig                `toml:"ingest"`
	Store    StoreConfig                 `toml:"store"`
	Events   EventsConfig                `toml:"events"`
	Dispatch DispatchConfig              `toml:"dispatch"`
	Channel  ChannelsConfig              `toml:"channel"`
	Rule     map[string]rawRuleConfig    `toml:"rule"`
	Silence  map[string]rawSilenceConfig `toml:"silence"`
}

// rawRuleConfig stores one rule body from `[rule.<name>]` table.
// Params: rule fields except key-derived name; Active is optional.
// Returns: intermediate rule body used for normalization.
type rawRuleConfig struct {
	Name                string            `toml:"name"`
	Active              *bool             `toml:"active"`
	Priority            int               `toml:"priority"`
	Channel             string            `toml:"channel"`
	Target              string            `toml:"target"`
	Match               map[string]string `toml:"match"`
	TitleTemplate       string            `toml:"title_template"`
	DescriptionTemplate string            `toml:"description_template"`
	CommentTemplate     string            `toml:"comment_template"`
	Options             map[string]string `toml:"options"`
}

// rawSilenceConfig stores one silence body from `[silence.<name>]` table.
type rawSilenceConfig struct {
	Matchers  map[string]string `toml:"matchers"`
	StartsAt  time.Time         `toml:"starts_at"`
	EndsAt    time.Time         `toml:"ends_at"`
	CreatedBy string            `toml:"created_by"`
	Comment   string            `toml:"comment"`
}

// ServiceConfig contains process-level settings.
// Params: name, runtime mode, and reload toggle.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name          string `toml:"name"`
	Mode          string `toml:"mode"`
	ReloadEnabled bool   `toml:"reload_enabled"`
}

// HTTPConfig configures the API listener.
// Params: listen address, endpoint paths, and body size limit.
// Returns: HTTP server behavior.
type HTTPConfig struct {
	Listen       string `toml:"listen"`
	WebhookPath  string `toml:"webhook_path"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MetricsPath  string `toml:"metrics_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// IngestConfig defines how accepted webhook batches are processed.
// Params: batch policy, local worker queue, and NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	BatchPolicy    string           `toml:"batch_policy"`
	Workers        int              `toml:"workers"`
	QueueSize      int              `toml:"queue_size"`
	RequeueDelayMS int              `toml:"requeue_delay_ms"`
	NATS           NATSIngestConfig `toml:"nats"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection + worker/ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// StoreConfig selects and tunes the fingerprint store backend.
// Params: backend name, lock wait bound, SQL DSN, and NATS KV settings.
// Returns: state backend options.
type StoreConfig struct {
	Backend    string          `toml:"backend"`
	LockWaitMS int             `toml:"lock_wait_ms"`
	DSN        string          `toml:"dsn"`
	NATS       NATSStoreConfig `toml:"nats"`
}

// NATSStoreConfig contains JetStream KV controls for the state backend.
// Params: URL (derived from ingest), bucket names, and lock TTL.
// Returns: NATS state backend options.
type NATSStoreConfig struct {
	URL                []string `toml:"-"`
	GroupsBucket       string   `toml:"groups_bucket"`
	LocksBucket        string   `toml:"locks_bucket"`
	LockTTLSec         int      `toml:"lock_ttl_sec"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
}

// EventsConfig controls lifecycle event publishing.
// Params: NATS subject toggle and audit log toggle.
// Returns: event publisher options.
type EventsConfig struct {
	NATS    bool   `toml:"nats"`
	Subject string `toml:"subject"`
	Log     bool   `toml:"log"`
}

// DispatchConfig defines outbound delivery behavior.
// Params: fan-out width (also the number of in-process delivery lanes), lane backlog,
// per-attempt timeout, retry policy, and durable queue.
// Returns: dispatcher controls.
type DispatchConfig struct {
	Workers   int           `toml:"workers"`
	Backlog   int           `toml:"backlog"`
	TimeoutMS int           `toml:"timeout_ms"`
	Retry     RetryConfig   `toml:"retry"`
	Queue     DispatchQueue `toml:"queue"`
}

// RetryConfig configures outbound delivery retries.
// Params: attempt cap, backoff kind and bounds, and per-attempt logging.
// Returns: retry policy for notifications.
type RetryConfig struct {
	MaxAttempts    int    `toml:"max_attempts"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// DispatchQueue defines durable delivery queue settings.
// Params: enable flag, ack/redelivery policy, and DLQ toggle.
// Returns: async dispatch pipeline controls.
type DispatchQueue struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQ           bool     `toml:"dlq"`
}

// ChannelsConfig groups per-channel transport sections.
type ChannelsConfig struct {
	Slack      SlackConfig      `toml:"slack"`
	Mattermost MattermostConfig `toml:"mattermost"`
	Telegram   TelegramConfig   `toml:"telegram"`
	Jira       TrackerConfig    `toml:"jira"`
	YouTrack   TrackerConfig    `toml:"youtrack"`
	SMS        SMSConfig        `toml:"sms"`
}

// RateLimit is a token bucket for one channel; zero rate disables limiting.
type RateLimit struct {
	RatePerSec float64 `toml:"rate_per_sec"`
	Burst      int     `toml:"burst"`
}

// SlackConfig defines Slack Web API settings.
type SlackConfig struct {
	Enabled    bool   `toml:"enabled"`
	BotToken   string `toml:"bot_token"`
	APIBase    string `toml:"api_base"`
	TimeoutSec int    `toml:"timeout_sec"`
	RateLimit
}

// MattermostConfig defines Mattermost API channel settings.
type MattermostConfig struct {
	Enabled    bool   `toml:"enabled"`
	BaseURL    string `toml:"base_url"`
	BotToken   string `toml:"bot_token"`
	TimeoutSec int    `toml:"timeout_sec"`
	RateLimit
}

// TelegramConfig defines Telegram Bot API settings.
type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	APIBase  string `toml:"api_base"`
	RateLimit
}

// TrackerConfig defines tracker transport settings (Jira/YouTrack) over HTTP.
// Params: endpoint/auth, create/comment/status actions, default rule options, and timeout.
// Returns: tracker adapter configuration.
type TrackerConfig struct {
	Enabled        bool                `toml:"enabled"`
	BaseURL        string              `toml:"base_url"`
	TimeoutSec     int                 `toml:"timeout_sec"`
	Auth           TrackerAuthConfig   `toml:"auth"`
	Create         TrackerActionConfig `toml:"create"`
	Comment        TrackerActionConfig `toml:"comment"`
	Status         TrackerStatusConfig `toml:"status"`
	DefaultOptions map[string]string   `toml:"default_options"`
	RateLimit
}

// TrackerAuthConfig defines tracker auth strategy.
// Params: auth type and credentials/header options.
// Returns: auth controls for tracker requests.
type TrackerAuthConfig struct {
	Type     string `toml:"type"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Token    string `toml:"token"`
	Header   string `toml:"header"`
	Prefix   string `toml:"prefix"`
}

// TrackerActionConfig defines one templated HTTP action for tracker channels.
// Params: HTTP method/path templates, optional headers/body templates, success statuses, and response ref path.
// Returns: action settings used by tracker adapter.
type TrackerActionConfig struct {
	Method        string            `toml:"method"`
	Path          string            `toml:"path"`
	Headers       map[string]string `toml:"headers"`
	BodyTemplate  string            `toml:"body_template"`
	SuccessStatus []int             `toml:"success_status"`
	RefJSONPath   string            `toml:"ref_json_path"`
}

// TrackerStatusConfig defines optional ticket status lookup before commenting.
// Params: path template, JSON path of status value, and closed status names.
// Returns: status probe settings; empty path disables the probe.
type TrackerStatusConfig struct {
	Method         string            `toml:"method"`
	Path           string            `toml:"path"`
	Headers        map[string]string `toml:"headers"`
	StatusJSONPath string            `toml:"status_json_path"`
	ClosedStatuses []string          `toml:"closed_statuses"`
}

// SMSConfig defines SMS gateway settings.
// Params: gateway URL, static headers, and phonebook of named recipients.
// Returns: SMS adapter configuration.
type SMSConfig struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Headers    map[string]string `toml:"headers"`
	TimeoutSec int               `toml:"timeout_sec"`
	Phonebook  map[string]string `toml:"phonebook"`
	RateLimit
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// RuleConfig describes one integration rule.
// Params: match criteria, priority, channel/target, and content templates.
// Returns: runtime rule definition.
type RuleConfig struct {
	Name                string
	Active              bool
	Priority            int
	Channel             string
	Target              string
	Match               map[string]string
	TitleTemplate       string
	DescriptionTemplate string
	CommentTemplate     string
	Options             map[string]string
}

// SilenceConfig describes one maintenance-window silence.
// Params: label matchers and active time window.
// Returns: runtime silence definition.
type SilenceConfig struct {
	Name      string
	Matchers  map[string]string
	StartsAt  time.Time
	EndsAt    time.Time
	CreatedBy string
	Comment   string
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// Paths returns filesystem paths a watcher should observe for this source.
func (s ConfigSource) Paths() []string {
	if s.File != "" {
		return []string{s.File}
	}
	return []string{s.Dir}
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, _, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LockWait returns per-fingerprint lock wait bound.
func (c Config) LockWait() time.Duration {
	return time.Duration(c.Store.LockWaitMS) * time.Millisecond
}

// RequeueDelay returns delay before a lock-timed-out alert is retried.
func (c Config) RequeueDelay() time.Duration {
	return time.Duration(c.Ingest.RequeueDelayMS) * time.Millisecond
}

// DispatchTimeout returns per-attempt delivery timeout.
func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Dispatch.TimeoutMS) * time.Millisecond
}

// sectionHints records which top-level and channel tables one fragment declares.
// Params: decoded generic TOML map.
// Returns: presence markers used for directory overlay.
type sectionHints struct {
	sections map[string]bool
	channels map[string]bool
}

// newSectionHints extracts presence markers from generic TOML map.
func newSectionHints(tree map[string]any) sectionHints {
	hints := sectionHints{sections: map[string]bool{}, channels: map[string]bool{}}
	for key, value := range tree {
		hints.sections[key] = true
		if key != "channel" {
			continue
		}
		if channels, ok := value.(map[string]any); ok {
			for name := range channels {
				hints.channels[name] = true
			}
		}
	}
	return hints
}

// expandEnv replaces ${VAR} references with environment values.
// Params: raw TOML body.
// Returns: body with references substituted; unset variables become empty.
func expandEnv(body []byte) []byte {
	return envReferencePattern.ReplaceAllFunc(body, func(match []byte) []byte {
		name := envReferencePattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:  raw.Service,
		Log:      raw.Log,
		HTTP:     raw.HTTP,
		Ingest:   raw.Ingest,
		Store:    raw.Store,
		Events:   raw.Events,
		Dispatch: raw.Dispatch,
		Channel:  raw.Channel,
	}

	ruleNames := make([]string, 0, len(raw.Rule))
	for name := range raw.Rule {
		ruleNames = append(ruleNames, name)
	}
	sort.Strings(ruleNames)
	for _, name := range ruleNames {
		body := raw.Rule[name]
		if strings.TrimSpace(body.Name) != "" {
			return Config{}, fmt.Errorf("rule.%s.name is not supported; use [rule.%s] key as rule name", name, name)
		}
		active := true
		if body.Active != nil {
			active = *body.Active
		}
		cfg.Rule = append(cfg.Rule, RuleConfig{
			Name:                name,
			Active:              active,
			Priority:            body.Priority,
			Channel:             NormalizeChannel(body.Channel),
			Target:              strings.TrimSpace(body.Target),
			Match:               body.Match,
			TitleTemplate:       body.TitleTemplate,
			DescriptionTemplate: body.DescriptionTemplate,
			CommentTemplate:     body.CommentTemplate,
			Options:             body.Options,
		})
	}

	silenceNames := make([]string, 0, len(raw.Silence))
	for name := range raw.Silence {
		silenceNames = append(silenceNames, name)
	}
	sort.Strings(silenceNames)
	for _, name := range silenceNames {
		body := raw.Silence[name]
		cfg.Silence = append(cfg.Silence, SilenceConfig{
			Name:      name,
			Matchers:  body.Matchers,
			StartsAt:  body.StartsAt.UTC(),
			EndsAt:    body.EndsAt.UTC(),
			CreatedBy: body.CreatedBy,
			Comment:   body.Comment,
		})
	}
	return cfg, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot or fragment.
// Returns: decoded config, section presence hints, or read/decode error.
func loadFile(path string) (Config, sectionHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, sectionHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if legacyRuleArrayPattern.Match(body) {
		return Config{}, sectionHints{}, fmt.Errorf("decode config file %q: array tables [[rule]]/[[silence]] are not supported; use [rule.<name>] tables", path)
	}
	body = expandEnv(body)

	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, sectionHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, sectionHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var tree map[string]any
	if err := toml.Unmarshal(body, &tree); err != nil {
		return Config{}, sectionHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, newSectionHints(tree), nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays source fragment onto destination.
// Params: destination config, next fragment, and its section presence hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints sectionHints) {
	if hints.sections["service"] {
		dst.Service = src.Service
	}
	if hints.sections["log"] {
		dst.Log = src.Log
	}
	if hints.sections["http"] {
		dst.HTTP = src.HTTP
	}
	if hints.sections["ingest"] {
		dst.Ingest = src.Ingest
	}
	if hints.sections["store"] {
		dst.Store = src.Store
	}
	if hints.sections["events"] {
		dst.Events = src.Events
	}
	if hints.sections["dispatch"] {
		dst.Dispatch = src.Dispatch
	}
	if hints.channels[ChannelSlack] {
		dst.Channel.Slack = src.Channel.Slack
	}
	if hints.channels[ChannelMattermost] {
		dst.Channel.Mattermost = src.Channel.Mattermost
	}
	if hints.channels[ChannelTelegram] {
		dst.Channel.Telegram = src.Channel.Telegram
	}
	if hints.channels[ChannelJira] {
		dst.Channel.Jira = src.Channel.Jira
	}
	if hints.channels[ChannelYouTrack] {
		dst.Channel.YouTrack = src.Channel.YouTrack
	}
	if hints.channels[ChannelSMS] {
		dst.Channel.SMS = src.Channel.SMS
	}
	dst.Rule = append(dst.Rule, src.Rule...)
	dst.Silence = append(dst.Silence, src.Silence...)
}

// applyDefaults fills omitted settings with runtime defaults.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.WebhookPath) == "" {
		cfg.HTTP.WebhookPath = defaultWebhookPath
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	cfg.Ingest.BatchPolicy = NormalizeBatchPolicy(cfg.Ingest.BatchPolicy)
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = defaultIngestWorkers
	}
	if cfg.Ingest.QueueSize <= 0 {
		cfg.Ingest.QueueSize = defaultIngestQueueSize
	}
	if cfg.Ingest.RequeueDelayMS <= 0 {
		cfg.Ingest.RequeueDelayMS = defaultRequeueDelayMS
	}

	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		if cfg.Service.Mode == ServiceModeNATS {
			cfg.Store.Backend = StoreBackendNATS
		} else {
			cfg.Store.Backend = StoreBackendMemory
		}
	}
	if cfg.Store.LockWaitMS <= 0 {
		cfg.Store.LockWaitMS = defaultLockWaitMS
	}
	if strings.TrimSpace(cfg.Store.NATS.GroupsBucket) == "" {
		cfg.Store.NATS.GroupsBucket = defaultGroupsBucket
	}
	if strings.TrimSpace(cfg.Store.NATS.LocksBucket) == "" {
		cfg.Store.NATS.LocksBucket = defaultLocksBucket
	}
	if cfg.Store.NATS.LockTTLSec <= 0 {
		cfg.Store.NATS.LockTTLSec = defaultLockTTLSec
	}

	if strings.TrimSpace(cfg.Events.Subject) == "" {
		cfg.Events.Subject = defaultEventsSubject
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.Ingest.NATS.URL = nil
		cfg.Store.NATS.URL = nil
		cfg.Dispatch.Queue.Enabled = false
		cfg.Dispatch.Queue.DLQ = false
		cfg.Dispatch.Queue.URL = nil
		cfg.Events.NATS = false
	} else {
		cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
		if len(cfg.Ingest.NATS.URL) == 0 {
			cfg.Ingest.NATS.URL = []string{defaultNATSURL}
		}
		cfg.Ingest.NATS.Subject = defaultNATSSubject
		cfg.Ingest.NATS.Stream = defaultNATSIngestStream
		cfg.Ingest.NATS.ConsumerName = defaultNATSIngestDurable
		cfg.Ingest.NATS.DeliverGroup = defaultNATSIngestGroup
		if cfg.Ingest.NATS.Workers <= 0 {
			cfg.Ingest.NATS.Workers = cfg.Ingest.Workers
		}
		if cfg.Ingest.NATS.AckWaitSec <= 0 {
			cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.Ingest.NATS.NackDelayMS <= 0 {
			cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Ingest.NATS.MaxDeliver == 0 {
			cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.Ingest.NATS.MaxAckPending <= 0 {
			cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
		}
		// State, queue, and events share the ingest NATS URL list.
		cfg.Store.NATS.URL = append([]string(nil), cfg.Ingest.NATS.URL...)
		cfg.Dispatch.Queue.URL = append([]string(nil), cfg.Ingest.NATS.URL...)
		if cfg.Dispatch.Queue.AckWaitSec <= 0 {
			cfg.Dispatch.Queue.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.Dispatch.Queue.NackDelayMS <= 0 {
			cfg.Dispatch.Queue.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Dispatch.Queue.MaxDeliver == 0 {
			cfg.Dispatch.Queue.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.Dispatch.Queue.MaxAckPending <= 0 {
			cfg.Dispatch.Queue.MaxAckPending = defaultNATSMaxAckPending
		}
	}

	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = defaultDispatchWorkers
	}
	if cfg.Dispatch.Backlog <= 0 {
		cfg.Dispatch.Backlog = defaultDispatchBacklog
	}
	if cfg.Dispatch.TimeoutMS <= 0 {
		cfg.Dispatch.TimeoutMS = defaultDispatchTimeoutMS
	}
	fillRetryDefaults(&cfg.Dispatch.Retry)

	if cfg.Channel.Slack.APIBase == "" {
		cfg.Channel.Slack.APIBase = "https://slack.com/api"
	}
	if cfg.Channel.Slack.TimeoutSec <= 0 {
		cfg.Channel.Slack.TimeoutSec = defaultChannelTimeoutSec
	}
	if cfg.Channel.Mattermost.TimeoutSec <= 0 {
		cfg.Channel.Mattermost.TimeoutSec = defaultChannelTimeoutSec
	}
	if cfg.Channel.Telegram.APIBase == "" {
		cfg.Channel.Telegram.APIBase = "https://api.telegram.org"
	}
	if cfg.Channel.SMS.TimeoutSec <= 0 {
		cfg.Channel.SMS.TimeoutSec = defaultChannelTimeoutSec
	}
	fillJiraDefaults(&cfg.Channel.Jira)
	fillYouTrackDefaults(&cfg.Channel.YouTrack)

	for i := range cfg.Rule {
		rule := &cfg.Rule[i]
		if strings.TrimSpace(rule.TitleTemplate) == "" {
			rule.TitleTemplate = defaultTitleTemplate
		}
		if strings.TrimSpace(rule.DescriptionTemplate) == "" {
			rule.DescriptionTemplate = defaultBodyTemplate
		}
		if strings.TrimSpace(rule.CommentTemplate) == "" {
			rule.CommentTemplate = defaultCommentTemplate
		}
	}
}

// fillRetryDefaults normalizes retry policy fields.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillRetryDefaults(retry *RetryConfig) {
	if retry == nil {
		return
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaultRetryAttempts
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = defaultRetryInitialMS
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = defaultRetryMaxMS
	}
}

// fillJiraDefaults applies Jira REST v2 action defaults.
// Params: tracker config pointer.
// Returns: defaults applied in place.
func fillJiraDefaults(cfg *TrackerConfig) {
	fillTrackerActionDefaults(&cfg.Create, TrackerActionConfig{
		Method:        "POST",
		Path:          "/rest/api/2/issue",
		BodyTemplate:  `{"fields":{"project":{"key":{{ target | json }}},"summary":{{ title | json }},"description":{{ body | json }},"issuetype":{"name":{{ options.issue_type | json }}}}}`,
		SuccessStatus: []int{200, 201},
		RefJSONPath:   "key",
	})
	fillTrackerActionDefaults(&cfg.Comment, TrackerActionConfig{
		Method:        "POST",
		Path:          "/rest/api/2/issue/{{ ref }}/comment",
		BodyTemplate:  `{"body":{{ body | json }}}`,
		SuccessStatus: []int{200, 201},
	})
	if cfg.Status.Path == "" && len(cfg.Status.ClosedStatuses) == 0 {
		cfg.Status.Path = "/rest/api/2/issue/{{ ref }}?fields=status"
		cfg.Status.StatusJSONPath = "fields.status.name"
		cfg.Status.ClosedStatuses = []string{"Done", "Closed", "Resolved"}
	}
	if cfg.Status.Method == "" {
		cfg.Status.Method = "GET"
	}
	if cfg.DefaultOptions == nil {
		cfg.DefaultOptions = map[string]string{}
	}
	if _, ok := cfg.DefaultOptions["issue_type"]; !ok {
		cfg.DefaultOptions["issue_type"] = "Task"
	}
	fillTrackerCommonDefaults(cfg)
}

// fillYouTrackDefaults applies YouTrack REST action defaults.
// Params: tracker config pointer.
// Returns: defaults applied in place.
func fillYouTrackDefaults(cfg *TrackerConfig) {
	fillTrackerActionDefaults(&cfg.Create, TrackerActionConfig{
		Method:        "POST",
		Path:          "/api/issues?fields=idReadable",
		BodyTemplate:  `{"project":{"id":{{ target | json }}},"summary":{{ title | json }},"description":{{ body | json }}}`,
		SuccessStatus: []int{200, 201},
		RefJSONPath:   "idReadable",
	})
	fillTrackerActionDefaults(&cfg.Comment, TrackerActionConfig{
		Method:        "POST",
		Path:          "/api/issues/{{ ref }}/comments",
		BodyTemplate:  `{"text":{{ body | json }}}`,
		SuccessStatus: []int{200, 201},
	})
	if cfg.Status.Method == "" {
		cfg.Status.Method = "GET"
	}
	fillTrackerCommonDefaults(cfg)
}

// fillTrackerCommonDefaults normalizes shared tracker fields.
func fillTrackerCommonDefaults(cfg *TrackerConfig) {
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = defaultChannelTimeoutSec
	}
	cfg.Auth.Type = strings.ToLower(strings.TrimSpace(cfg.Auth.Type))
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = "none"
	}
}

// fillTrackerActionDefaults fills empty action fields from channel defaults.
// Params: action pointer and channel default action.
// Returns: defaults applied in place.
func fillTrackerActionDefaults(action *TrackerActionConfig, defaults TrackerActionConfig) {
	if action == nil {
		return
	}
	if strings.TrimSpace(action.Method) == "" {
		action.Method = defaults.Method
	}
	if strings.TrimSpace(action.Path) == "" {
		action.Path = defaults.Path
	}
	if strings.TrimSpace(action.BodyTemplate) == "" {
		action.BodyTemplate = defaults.BodyTemplate
	}
	if len(action.SuccessStatus) == 0 {
		action.SuccessStatus = defaults.SuccessStatus
	}
	if strings.TrimSpace(action.RefJSONPath) == "" {
		action.RefJSONPath = defaults.RefJSONPath
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		return errors.New("http.listen is required")
	}
	for name, path := range map[string]string{
		"http.webhook_path": cfg.HTTP.WebhookPath,
		"http.health_path":  cfg.HTTP.HealthPath,
		"http.ready_path":   cfg.HTTP.ReadyPath,
		"http.metrics_path": cfg.HTTP.MetricsPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	switch cfg.Ingest.BatchPolicy {
	case BatchPolicySkipInvalid, BatchPolicyAbort:
	default:
		return fmt.Errorf("ingest.batch_policy has unsupported value %q", cfg.Ingest.BatchPolicy)
	}

	switch cfg.Store.Backend {
	case StoreBackendMemory:
		if mode != ServiceModeSingle {
			return errors.New("store.backend=memory requires service.mode=single")
		}
	case StoreBackendNATS:
		if mode != ServiceModeNATS {
			return errors.New("store.backend=nats requires service.mode=nats")
		}
	case StoreBackendPostgres:
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return errors.New("store.dsn is required when store.backend=postgres")
		}
	default:
		return fmt.Errorf("store.backend has unsupported value %q", cfg.Store.Backend)
	}

	if mode == ServiceModeNATS {
		for i, url := range cfg.Ingest.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("ingest.nats.url[%d] is empty", i)
			}
		}
		if cfg.Ingest.NATS.MaxDeliver < -1 {
			return errors.New("ingest.nats.max_deliver must be -1 or >0")
		}
		if cfg.Dispatch.Queue.MaxDeliver < -1 {
			return errors.New("dispatch.queue.max_deliver must be -1 or >0")
		}
	}
	if cfg.Dispatch.Queue.DLQ && !cfg.Dispatch.Queue.Enabled {
		return errors.New("dispatch.queue.dlq requires dispatch.queue.enabled=true")
	}
	switch cfg.Dispatch.Retry.Backoff {
	case "exponential", "constant":
	default:
		return fmt.Errorf("dispatch.retry.backoff has unsupported value %q", cfg.Dispatch.Retry.Backoff)
	}
	if cfg.Dispatch.Retry.MaxMS < cfg.Dispatch.Retry.InitialMS {
		return errors.New("dispatch.retry.max_ms must be >= dispatch.retry.initial_ms")
	}

	if err := validateChannels(cfg.Channel); err != nil {
		return err
	}

	ruleNames := make(map[string]struct{}, len(cfg.Rule))
	for i, rule := range cfg.Rule {
		if _, exists := ruleNames[rule.Name]; exists {
			return fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		ruleNames[rule.Name] = struct{}{}
		if err := validateRule(cfg.Channel, rule); err != nil {
			return fmt.Errorf("rule[%d] %q: %w", i, rule.Name, err)
		}
	}

	silenceNames := make(map[string]struct{}, len(cfg.Silence))
	for _, silence := range cfg.Silence {
		if _, exists := silenceNames[silence.Name]; exists {
			return fmt.Errorf("duplicate silence name %q", silence.Name)
		}
		silenceNames[silence.Name] = struct{}{}
		if err := validateSilence(silence); err != nil {
			return fmt.Errorf("silence %q: %w", silence.Name, err)
		}
	}
	return nil
}

// validateChannels checks required credentials of enabled channels.
// Params: channel section.
// Returns: first channel validation error.
func validateChannels(cfg ChannelsConfig) error {
	if cfg.Slack.Enabled && strings.TrimSpace(cfg.Slack.BotToken) == "" {
		return errors.New("channel.slack.bot_token is required when channel.slack.enabled=true")
	}
	if cfg.Mattermost.Enabled {
		if strings.TrimSpace(cfg.Mattermost.BaseURL) == "" {
			return errors.New("channel.mattermost.base_url is required when channel.mattermost.enabled=true")
		}
		if strings.TrimSpace(cfg.Mattermost.BotToken) == "" {
			return errors.New("channel.mattermost.bot_token is required when channel.mattermost.enabled=true")
		}
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.BotToken) == "" {
		return errors.New("channel.telegram.bot_token is required when channel.telegram.enabled=true")
	}
	if err := validateTracker(ChannelJira, cfg.Jira); err != nil {
		return err
	}
	if err := validateTracker(ChannelYouTrack, cfg.YouTrack); err != nil {
		return err
	}
	if cfg.SMS.Enabled && strings.TrimSpace(cfg.SMS.URL) == "" {
		return errors.New("channel.sms.url is required when channel.sms.enabled=true")
	}
	for _, name := range ChannelNames() {
		limit := ChannelRateLimit(cfg, name)
		if limit.RatePerSec < 0 || limit.Burst < 0 {
			return fmt.Errorf("channel.%s rate_per_sec and burst must be >=0", name)
		}
	}
	return nil
}

// validateTracker validates tracker channel settings when enabled.
// Params: channel name and tracker settings.
// Returns: first tracker validation error.
func validateTracker(channel string, cfg TrackerConfig) error {
	if !cfg.Enabled {
		return nil
	}
	prefix := "channel." + channel
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return fmt.Errorf("%s.base_url is required when %s.enabled=true", prefix, prefix)
	}
	switch cfg.Auth.Type {
	case "none":
	case "basic":
		if cfg.Auth.Username == "" || cfg.Auth.Password == "" {
			return fmt.Errorf("%s.auth.username and password are required for basic auth", prefix)
		}
	case "bearer":
		if cfg.Auth.Token == "" {
			return fmt.Errorf("%s.auth.token is required for bearer auth", prefix)
		}
	case "header":
		if cfg.Auth.Header == "" || cfg.Auth.Token == "" {
			return fmt.Errorf("%s.auth.header and token are required for header auth", prefix)
		}
	default:
		return fmt.Errorf("%s.auth.type has unsupported value %q", prefix, cfg.Auth.Type)
	}
	for name, action := range map[string]TrackerActionConfig{"create": cfg.Create, "comment": cfg.Comment} {
		path := prefix + "." + name
		if strings.TrimSpace(action.Path) == "" {
			return fmt.Errorf("%s.path is required", path)
		}
		if err := validateMessageTemplate(path+".path", action.Path); err != nil {
			return err
		}
		if action.BodyTemplate != "" {
			if err := validateMessageTemplate(path+".body_template", action.BodyTemplate); err != nil {
				return err
			}
		}
	}
	if strings.TrimSpace(cfg.Create.RefJSONPath) == "" {
		return fmt.Errorf("%s.create.ref_json_path is required", prefix)
	}
	if cfg.Status.Path != "" {
		if err := validateMessageTemplate(prefix+".status.path", cfg.Status.Path); err != nil {
			return err
		}
		if cfg.Status.StatusJSONPath == "" {
			return fmt.Errorf("%s.status.status_json_path is required when status.path is set", prefix)
		}
	}
	return nil
}

// validateRule validates one integration rule.
// Params: channel section and one decoded rule.
// Returns: rule-level validation error.
func validateRule(channels ChannelsConfig, rule RuleConfig) error {
	if strings.TrimSpace(rule.Name) == "" {
		return errors.New("name is required")
	}
	if !IsSupportedChannel(rule.Channel) {
		return fmt.Errorf("channel has unsupported value %q", rule.Channel)
	}
	if rule.Active && !ChannelEnabled(channels, rule.Channel) {
		return fmt.Errorf("channel %q is not enabled", rule.Channel)
	}
	if rule.Target == "" && rule.Channel != ChannelSMS {
		return errors.New("target is required")
	}
	for key := range rule.Match {
		if strings.TrimSpace(key) == "" {
			return errors.New("match has empty key")
		}
	}
	for name, body := range map[string]string{
		"title_template":       rule.TitleTemplate,
		"description_template": rule.DescriptionTemplate,
		"comment_template":     rule.CommentTemplate,
	} {
		if err := validateMessageTemplate(name, body); err != nil {
			return err
		}
	}
	return nil
}

// validateSilence validates one silence window.
// Params: silence definition.
// Returns: silence validation error.
func validateSilence(silence SilenceConfig) error {
	if len(silence.Matchers) == 0 {
		return errors.New("matchers must not be empty")
	}
	if silence.EndsAt.IsZero() {
		return errors.New("ends_at is required")
	}
	if !silence.StartsAt.IsZero() && !silence.EndsAt.After(silence.StartsAt) {
		return errors.New("ends_at must be after starts_at")
	}
	return nil
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// NormalizeChannel canonicalizes channel keys.
// Params: raw channel name from config.
// Returns: normalized lowercase channel key.
func NormalizeChannel(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`single` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// NormalizeBatchPolicy canonicalizes batch policy and applies default.
func NormalizeBatchPolicy(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return BatchPolicySkipInvalid
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
// Params: normalized mode value.
// Returns: true for known modes.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// ChannelNames returns deterministic list of supported channel keys.
// Params: none.
// Returns: ordered channel key list.
func ChannelNames() []string {
	out := make([]string, len(channelOrder))
	copy(out, channelOrder)
	return out
}

// IsSupportedChannel reports whether channel key is supported.
func IsSupportedChannel(channel string) bool {
	_, exists := channelRegistry[NormalizeChannel(channel)]
	return exists
}

// IsTicketChannel reports whether channel creates tickets instead of chat messages.
func IsTicketChannel(channel string) bool {
	descriptor, exists := channelRegistry[NormalizeChannel(channel)]
	return exists && descriptor.ticket
}

// ChannelEnabled checks if channel transport is enabled globally.
// Params: channel section and channel key.
// Returns: true when corresponding transport section is enabled.
func ChannelEnabled(cfg ChannelsConfig, channel string) bool {
	descriptor, ok := channelRegistry[NormalizeChannel(channel)]
	if !ok {
		return false
	}
	return descriptor.enabled(cfg)
}

// ChannelRateLimit returns token bucket settings for one channel.
// Params: channel section and channel key.
// Returns: rate limit, zero value for unknown channels.
func ChannelRateLimit(cfg ChannelsConfig, channel string) RateLimit {
	descriptor, ok := channelRegistry[NormalizeChannel(channel)]
	if !ok {
		return RateLimit{}
	}
	return descriptor.limit(cfg)
}

// validateMessageTemplate parses one template and checks it is non-empty.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.Parse(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
