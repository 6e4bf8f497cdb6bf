package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"alerthub/internal/config"
	"alerthub/internal/domain"
	"alerthub/internal/faults"
	"alerthub/internal/templatefmt"
)

// maxTrackerResponse bounds response bodies read for ref/status extraction.
const maxTrackerResponse = 1 << 20

// TrackerAdapter creates and comments tickets through templated HTTP actions.
// Params: base URL/auth config plus compiled create/comment/status actions.
// Returns: ticketing adapter for Jira/YouTrack-like APIs; refs are ticket keys.
type TrackerAdapter struct {
	channel        string
	cfg            config.TrackerConfig
	client         *http.Client
	create         trackerAction
	comment        trackerAction
	status         *trackerAction
	statusPath     string
	closedStatuses map[string]struct{}
}

// trackerAction is one compiled HTTP request recipe.
type trackerAction struct {
	name          string
	method        string
	path          *templatefmt.Template
	body          *templatefmt.Template
	headers       map[string]*templatefmt.Template
	successStatus map[int]struct{}
	refJSONPath   string
}

// NewTrackerAdapter compiles tracker actions from config.
// Params: channel name and tracker settings with defaults applied.
// Returns: adapter or template compile error.
func NewTrackerAdapter(channel string, cfg config.TrackerConfig) (*TrackerAdapter, error) {
	create, err := buildTrackerAction(channel, "create", cfg.Create)
	if err != nil {
		return nil, err
	}
	comment, err := buildTrackerAction(channel, "comment", cfg.Comment)
	if err != nil {
		return nil, err
	}
	adapter := &TrackerAdapter{
		channel:        channel,
		cfg:            cfg,
		client:         newHTTPClient(cfg.TimeoutSec),
		create:         create,
		comment:        comment,
		statusPath:     cfg.Status.StatusJSONPath,
		closedStatuses: make(map[string]struct{}, len(cfg.Status.ClosedStatuses)),
	}
	for _, status := range cfg.Status.ClosedStatuses {
		adapter.closedStatuses[strings.ToLower(strings.TrimSpace(status))] = struct{}{}
	}
	if strings.TrimSpace(cfg.Status.Path) != "" {
		status, err := buildTrackerAction(channel, "status", config.TrackerActionConfig{
			Method:        cfg.Status.Method,
			Path:          cfg.Status.Path,
			Headers:       cfg.Status.Headers,
			SuccessStatus: []int{http.StatusOK},
		})
		if err != nil {
			return nil, err
		}
		adapter.status = &status
	}
	return adapter, nil
}

// Channel returns adapter channel name.
func (a *TrackerAdapter) Channel() string { return a.channel }

// Notify creates ticket on first dispatch and comments on later ones.
// Params: context, project key, and content.
// Returns: ticket key (new one when the referenced ticket is closed).
func (a *TrackerAdapter) Notify(ctx context.Context, target string, content Content) (string, error) {
	renderCtx := a.renderContext(target, content, content.Ref)
	if content.Ref == "" {
		return a.createTicket(ctx, target, content)
	}

	if a.status != nil {
		closed, err := a.ticketClosed(ctx, renderCtx)
		if err != nil {
			return "", err
		}
		if closed {
			if content.Kind == domain.TransitionResolved {
				return content.Ref, nil
			}
			return a.createTicket(ctx, target, content)
		}
	}

	if _, err := a.execute(ctx, a.comment, renderCtx); err != nil {
		return "", err
	}
	return content.Ref, nil
}

// createTicket runs create action and extracts new ticket key.
func (a *TrackerAdapter) createTicket(ctx context.Context, target string, content Content) (string, error) {
	body, err := a.execute(ctx, a.create, a.renderContext(target, content, ""))
	if err != nil {
		return "", err
	}
	ref, err := extractJSONPathString(body, a.create.refJSONPath)
	if err != nil {
		return "", faults.Permanent(a.channel, fmt.Errorf("extract ticket ref %q: %w", a.create.refJSONPath, err))
	}
	return ref, nil
}

// ticketClosed probes ticket status; a missing ticket counts as closed.
func (a *TrackerAdapter) ticketClosed(ctx context.Context, renderCtx templatefmt.Context) (bool, error) {
	body, err := a.execute(ctx, *a.status, renderCtx)
	if err != nil {
		var statusErr *trackerStatusError
		if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
			return true, nil
		}
		return false, err
	}
	status, err := extractJSONPathString(body, a.statusPath)
	if err != nil {
		return false, faults.Permanent(a.channel, fmt.Errorf("extract ticket status %q: %w", a.statusPath, err))
	}
	_, closed := a.closedStatuses[strings.ToLower(status)]
	return closed, nil
}

// renderContext exposes target/title/body/ref and merged options to action templates.
func (a *TrackerAdapter) renderContext(target string, content Content, ref string) templatefmt.Context {
	options := make(map[string]string, len(a.cfg.DefaultOptions)+len(content.Options))
	for key, value := range a.cfg.DefaultOptions {
		options[key] = value
	}
	for key, value := range content.Options {
		options[key] = value
	}
	return content.Context.With(map[string]string{
		"target": target,
		"title":  content.Title,
		"body":   content.Body,
		"ref":    ref,
	}).WithOptions(options)
}

// trackerStatusError keeps HTTP status for callers that branch on it.
type trackerStatusError struct {
	code int
	err  error
}

func (e *trackerStatusError) Error() string { return e.err.Error() }
func (e *trackerStatusError) Unwrap() error { return e.err }

// execute renders and sends one tracker action.
// Params: context, compiled action, and render context.
// Returns: response body or classified delivery error.
func (a *TrackerAdapter) execute(ctx context.Context, action trackerAction, renderCtx templatefmt.Context) ([]byte, error) {
	path, err := action.path.Execute(renderCtx)
	if err != nil {
		return nil, err
	}
	endpoint, err := resolveTrackerURL(a.cfg.BaseURL, path)
	if err != nil {
		return nil, faults.Permanent(a.channel, fmt.Errorf("%s url: %w", action.name, err))
	}

	var reader io.Reader
	if action.body != nil {
		payload, err := action.body.Execute(renderCtx)
		if err != nil {
			return nil, err
		}
		if !json.Valid([]byte(payload)) {
			return nil, faults.Permanent(a.channel, fmt.Errorf("%s body is not valid json", action.name))
		}
		reader = strings.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, action.method, endpoint, reader)
	if err != nil {
		return nil, faults.Permanent(a.channel, fmt.Errorf("%s request: %w", action.name, err))
	}
	request.Header.Set("Accept", "application/json")
	if reader != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	applyTrackerAuth(request, a.cfg.Auth)
	for key, tmpl := range action.headers {
		value, err := tmpl.Execute(renderCtx)
		if err != nil {
			return nil, err
		}
		request.Header.Set(key, value)
	}

	response, err := a.client.Do(request)
	if err != nil {
		return nil, faults.Transient(a.channel, fmt.Errorf("%s: %w", action.name, err))
	}
	defer response.Body.Close()
	if _, ok := action.successStatus[response.StatusCode]; !ok {
		return nil, &trackerStatusError{
			code: response.StatusCode,
			err:  unexpectedHTTPStatusError(a.channel, response),
		}
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxTrackerResponse))
	if err != nil {
		return nil, faults.Transient(a.channel, fmt.Errorf("%s read response: %w", action.name, err))
	}
	return body, nil
}

// buildTrackerAction compiles templates for one action.
// Params: channel and action names, action config.
// Returns: compiled action or template error.
func buildTrackerAction(channel, actionName string, cfg config.TrackerActionConfig) (trackerAction, error) {
	prefix := "channel." + channel + "." + actionName
	action := trackerAction{
		name:          actionName,
		method:        strings.ToUpper(strings.TrimSpace(cfg.Method)),
		headers:       make(map[string]*templatefmt.Template, len(cfg.Headers)),
		successStatus: make(map[int]struct{}, len(cfg.SuccessStatus)),
		refJSONPath:   strings.TrimSpace(cfg.RefJSONPath),
	}
	if action.method == "" {
		action.method = http.MethodPost
	}
	path, err := templatefmt.Parse(prefix+".path", cfg.Path)
	if err != nil {
		return trackerAction{}, err
	}
	action.path = path
	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		body, err := templatefmt.Parse(prefix+".body_template", cfg.BodyTemplate)
		if err != nil {
			return trackerAction{}, err
		}
		action.body = body
	}
	for key, value := range cfg.Headers {
		header, err := templatefmt.Parse(prefix+".headers."+key, value)
		if err != nil {
			return trackerAction{}, err
		}
		action.headers[key] = header
	}
	for _, code := range cfg.SuccessStatus {
		action.successStatus[code] = struct{}{}
	}
	if len(action.successStatus) == 0 {
		action.successStatus[http.StatusOK] = struct{}{}
		action.successStatus[http.StatusCreated] = struct{}{}
	}
	return action, nil
}

// resolveTrackerURL builds absolute request URL from base URL and path.
// Params: tracker base URL and rendered path or absolute URL.
// Returns: final URL string.
func resolveTrackerURL(baseURL, pathOrURL string) (string, error) {
	trimmedPath := strings.TrimSpace(pathOrURL)
	if trimmedPath == "" {
		return "", errors.New("empty request path")
	}
	if strings.HasPrefix(trimmedPath, "http://") || strings.HasPrefix(trimmedPath, "https://") {
		if _, err := url.Parse(trimmedPath); err != nil {
			return "", err
		}
		return trimmedPath, nil
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return "", errors.New("empty base_url")
	}
	if strings.HasPrefix(trimmedPath, "/") {
		return base + trimmedPath, nil
	}
	return base + "/" + trimmedPath, nil
}

// applyTrackerAuth injects configured auth headers into tracker request.
// Params: mutable request pointer and auth config.
// Returns: request mutated in place.
func applyTrackerAuth(request *http.Request, cfg config.TrackerAuthConfig) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "none":
		return
	case "bearer":
		prefix := strings.TrimSpace(cfg.Prefix)
		if prefix == "" {
			prefix = "Bearer"
		}
		request.Header.Set("Authorization", prefix+" "+strings.TrimSpace(cfg.Token))
	case "basic":
		credentials := strings.TrimSpace(cfg.Username) + ":" + strings.TrimSpace(cfg.Password)
		request.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))
	case "header":
		header := strings.TrimSpace(cfg.Header)
		if header == "" {
			return
		}
		token := strings.TrimSpace(cfg.Token)
		if prefix := strings.TrimSpace(cfg.Prefix); prefix != "" {
			token = prefix + " " + token
		}
		request.Header.Set(header, token)
	}
}

// extractJSONPathString extracts string-like field by dotted JSON path.
// Params: raw JSON body and dotted path (e.g. "fields.status.name").
// Returns: extracted value converted to string.
func extractJSONPathString(body []byte, path string) (string, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return "", errors.New("empty json path")
	}
	var current any
	if err := json.Unmarshal(body, &current); err != nil {
		return "", err
	}

	for _, part := range strings.Split(trimmedPath, ".") {
		token := strings.TrimSpace(part)
		if token == "" {
			return "", errors.New("json path contains empty segment")
		}
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[token]
			if !ok {
				return "", fmt.Errorf("path segment %q not found", token)
			}
			current = next
		case []any:
			index, err := strconv.Atoi(token)
			if err != nil {
				return "", fmt.Errorf("path segment %q is not array index", token)
			}
			if index < 0 || index >= len(typed) {
				return "", fmt.Errorf("array index %d out of bounds", index)
			}
			current = typed[index]
		default:
			return "", fmt.Errorf("path segment %q not reachable from %T", token, current)
		}
	}

	switch typed := current.(type) {
	case string:
		value := strings.TrimSpace(typed)
		if value == "" {
			return "", errors.New("json path resolved to empty string")
		}
		return value, nil
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(typed), nil
	default:
		return "", fmt.Errorf("json path resolved to unsupported type %T", current)
	}
}
