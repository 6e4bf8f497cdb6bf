package templatefmt

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"alerthub/internal/domain"
	"alerthub/internal/faults"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
	inlineName = "inline"
)

var (
	// scalarVars is the fixed variable set a template may reference.
	scalarVars = map[string]struct{}{
		"alertname":          {},
		"status":             {},
		"severity":           {},
		"fingerprint":        {},
		"instance":           {},
		"source":             {},
		"generator_url":      {},
		"starts_at":          {},
		"ends_at":            {},
		"first_occurrence":   {},
		"last_occurrence":    {},
		"total_firing_count": {},
		"acknowledged":       {},
		"transition":         {},
		"rule":               {},
		"target":             {},
		"title":              {},
		"body":               {},
		"ref":                {},
	}
	mapVars = map[string]struct{}{
		"labels":      {},
		"annotations": {},
		"options":     {},
	}
	filters = map[string]func(value any) string{
		"upper": func(value any) string { return strings.ToUpper(stringify(value)) },
		"lower": func(value any) string { return strings.ToLower(stringify(value)) },
		"trim":  func(value any) string { return strings.TrimSpace(stringify(value)) },
		"json":  marshalJSON,
	}
	namePattern = regexp.MustCompile(`^[a-z_]+(?:\.[A-Za-z0-9_./\-]+)?$`)
)

// Context is the variable set exposed to one render.
// Params: scalar values keyed by fixed variable name and label/annotation/option maps.
// Returns: read-only render input.
type Context struct {
	Vars        map[string]string
	Labels      map[string]string
	Annotations map[string]string
	Options     map[string]string
}

// NewContext builds render context from group state.
// Params: group snapshot, optional latest instance, transition kind, and rule name.
// Returns: context exposing group metadata, labels, and instance annotations.
func NewContext(group domain.AlertGroup, instance *domain.AlertInstance, kind domain.TransitionKind, rule string) Context {
	vars := map[string]string{
		"alertname":          group.Name,
		"status":             string(group.CurrentStatus),
		"severity":           group.Severity,
		"fingerprint":        group.Fingerprint,
		"instance":           group.Instance,
		"source":             group.Source,
		"first_occurrence":   formatTime(group.FirstOccurrence),
		"last_occurrence":    formatTime(group.LastOccurrence),
		"total_firing_count": strconv.Itoa(group.TotalFiringCount),
		"acknowledged":       strconv.FormatBool(group.Acknowledged),
		"transition":         string(kind),
		"rule":               rule,
	}
	ctx := Context{Vars: vars, Labels: group.Labels}
	if instance != nil {
		vars["starts_at"] = formatTime(instance.StartsAt)
		if instance.EndsAt != nil {
			vars["ends_at"] = formatTime(*instance.EndsAt)
		}
		vars["generator_url"] = instance.GeneratorURL
		ctx.Annotations = instance.Annotations
	}
	return ctx
}

// With returns copy of context carrying extra scalar values.
// Params: extra key/value pairs such as title, body, target, or ref.
// Returns: extended context; the receiver is not modified.
func (c Context) With(extra map[string]string) Context {
	vars := make(map[string]string, len(c.Vars)+len(extra))
	for key, value := range c.Vars {
		vars[key] = value
	}
	for key, value := range extra {
		vars[key] = value
	}
	c.Vars = vars
	return c
}

// WithOptions returns copy of context carrying rule options.
func (c Context) WithOptions(options map[string]string) Context {
	c.Options = options
	return c
}

// lookup resolves one variable reference.
// Params: validated name (scalar, map, or map.key).
// Returns: string or map value; missing keys resolve to empty string.
func (c Context) lookup(name string) any {
	if _, ok := scalarVars[name]; ok {
		return c.Vars[name]
	}
	namespace, key, dotted := strings.Cut(name, ".")
	source := c.mapFor(namespace)
	if !dotted {
		return source
	}
	return source[key]
}

// mapFor returns mapping for namespace name.
func (c Context) mapFor(namespace string) map[string]string {
	switch namespace {
	case "labels":
		return c.Labels
	case "annotations":
		return c.Annotations
	case "options":
		return c.Options
	default:
		return nil
	}
}

// Template is a parsed placeholder template safe for concurrent Execute calls.
type Template struct {
	name  string
	parts []part
}

// part is either literal text or one placeholder with its filter chain.
type part struct {
	literal  string
	variable string
	filters  []string
}

// Name returns template name used in errors.
func (t *Template) Name() string { return t.name }

// Parse compiles template text and validates every placeholder.
// Params: template name for error reporting and template body.
// Returns: compiled template or *faults.TemplateError.
func Parse(name, text string) (*Template, error) {
	tmpl := &Template{name: name}
	rest := text
	offset := 0
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			if rest != "" {
				tmpl.parts = append(tmpl.parts, part{literal: rest})
			}
			return tmpl, nil
		}
		if start > 0 {
			tmpl.parts = append(tmpl.parts, part{literal: rest[:start]})
		}
		body := rest[start+len(openDelim):]
		end := strings.Index(body, closeDelim)
		if end < 0 {
			return nil, templateError(name, "unclosed placeholder at offset "+strconv.Itoa(offset+start))
		}
		placeholder, err := parsePlaceholder(name, body[:end])
		if err != nil {
			return nil, err
		}
		tmpl.parts = append(tmpl.parts, placeholder)
		consumed := start + len(openDelim) + end + len(closeDelim)
		rest = rest[consumed:]
		offset += consumed
	}
}

// parsePlaceholder validates `name | filter | filter` expression.
// Params: template name and placeholder body without delimiters.
// Returns: placeholder part or template error.
func parsePlaceholder(name, body string) (part, error) {
	if strings.Contains(body, openDelim) {
		return part{}, templateError(name, "nested placeholder")
	}
	segments := strings.Split(body, "|")
	variable := strings.TrimSpace(segments[0])
	if variable == "" {
		return part{}, templateError(name, "empty placeholder")
	}
	if !knownVariable(variable) {
		return part{}, templateError(name, "unknown variable "+strconv.Quote(variable))
	}
	out := part{variable: variable}
	for _, segment := range segments[1:] {
		filter := strings.TrimSpace(segment)
		if _, ok := filters[filter]; !ok {
			return part{}, templateError(name, "unknown filter "+strconv.Quote(filter))
		}
		out.filters = append(out.filters, filter)
	}
	return out, nil
}

// knownVariable reports whether name belongs to the fixed variable set.
func knownVariable(name string) bool {
	if !namePattern.MatchString(name) {
		return false
	}
	if _, ok := scalarVars[name]; ok {
		return true
	}
	namespace, _, _ := strings.Cut(name, ".")
	_, ok := mapVars[namespace]
	return ok
}

// Execute renders template against context.
// Params: render context.
// Returns: fully rendered text, or error with no partial output.
func (t *Template) Execute(ctx Context) (string, error) {
	var builder strings.Builder
	for _, p := range t.parts {
		if p.variable == "" {
			builder.WriteString(p.literal)
			continue
		}
		value := ctx.lookup(p.variable)
		if len(p.filters) == 0 {
			builder.WriteString(stringify(value))
			continue
		}
		for _, name := range p.filters {
			value = filters[name](value)
		}
		builder.WriteString(stringify(value))
	}
	return builder.String(), nil
}

// Render parses and executes one template body.
// Params: template text and render context.
// Returns: rendered text or *faults.TemplateError.
func Render(text string, ctx Context) (string, error) {
	tmpl, err := Parse(inlineName, text)
	if err != nil {
		return "", err
	}
	return tmpl.Execute(ctx)
}

// stringify converts resolved value into output text.
// Params: string or map value.
// Returns: string; maps render as sorted `k=v` pairs.
func stringify(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case map[string]string:
		pairs := make([]string, 0, len(typed))
		for _, key := range domain.SortedKeys(typed) {
			pairs = append(pairs, key+"="+typed[key])
		}
		return strings.Join(pairs, ", ")
	default:
		return ""
	}
}

// marshalJSON renders value as JSON literal for embedding in request bodies.
// Params: string or map value.
// Returns: JSON text; nil maps render as {}.
func marshalJSON(value any) string {
	if typed, ok := value.(map[string]string); ok && typed == nil {
		return "{}"
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return `""`
	}
	return string(encoded)
}

// formatTime renders timestamp in RFC3339; zero time renders empty.
func formatTime(at time.Time) string {
	if at.IsZero() {
		return ""
	}
	return at.UTC().Format(time.RFC3339)
}

// templateError builds template error without rule binding.
func templateError(name, reason string) error {
	return &faults.TemplateError{Template: name, Reason: reason}
}
