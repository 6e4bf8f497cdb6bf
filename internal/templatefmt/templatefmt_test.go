package templatefmt

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"alerthub/internal/domain"
	"alerthub/internal/faults"
)

func TestRenderAlertName(t *testing.T) {
	t.Parallel()

	ctx := Context{Vars: map[string]string{"alertname": "disk-full"}}
	got, err := Render("Alert: {{ alertname }}", ctx)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "Alert: disk-full" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestRenderUnknownVariableFailsWithoutPartialOutput(t *testing.T) {
	t.Parallel()

	ctx := Context{Vars: map[string]string{"alertname": "disk-full"}}
	got, err := Render("Alert: {{ alertname }} on {{ hostname }}", ctx)
	if got != "" {
		t.Fatalf("expected no partial output, got %q", got)
	}
	var templateErr *faults.TemplateError
	if !errors.As(err, &templateErr) {
		t.Fatalf("expected TemplateError, got %v", err)
	}
	if !strings.Contains(templateErr.Reason, `"hostname"`) {
		t.Fatalf("expected reason to name variable, got %q", templateErr.Reason)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "unclosed", text: "a {{ alertname ", want: "unclosed placeholder at offset 2"},
		{name: "empty", text: "{{   }}", want: "empty placeholder"},
		{name: "unknown filter", text: "{{ alertname | reverse }}", want: `unknown filter "reverse"`},
		{name: "nested", text: "{{ {{ alertname }}", want: "nested placeholder"},
		{name: "call syntax", text: "{{ .Alert }}", want: "unknown variable"},
		{name: "scalar with key", text: "{{ status.code }}", want: "unknown variable"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse("title", tt.text)
			var templateErr *faults.TemplateError
			if !errors.As(err, &templateErr) {
				t.Fatalf("expected TemplateError, got %v", err)
			}
			if templateErr.Template != "title" {
				t.Fatalf("expected template name in error, got %q", templateErr.Template)
			}
			if !strings.Contains(templateErr.Reason, tt.want) {
				t.Fatalf("expected reason %q, got %q", tt.want, templateErr.Reason)
			}
		})
	}
}

func TestRenderFiltersAndMaps(t *testing.T) {
	t.Parallel()

	ctx := Context{
		Vars:        map[string]string{"severity": "critical", "title": "say \"hi\"\n"},
		Labels:      map[string]string{"team": "db", "app": "pg"},
		Annotations: map[string]string{"summary": "  disk  "},
		Options:     map[string]string{"issue_type": "Bug"},
	}
	got, err := Render(`[{{ severity | upper }}] {{ annotations.summary | trim | upper }} {{ labels }} {{ labels.missing }}|{{ title | json }} {{ options.issue_type | lower }}`, ctx)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := `[CRITICAL] DISK app=pg, team=db |"say \"hi\"\n" bug`
	if got != want {
		t.Fatalf("unexpected output\n got: %q\nwant: %q", got, want)
	}

	jsonLabels, err := Render(`{{ labels | json }}`, ctx)
	if err != nil {
		t.Fatalf("render json labels: %v", err)
	}
	if jsonLabels != `{"app":"pg","team":"db"}` {
		t.Fatalf("unexpected json labels %q", jsonLabels)
	}
}

func TestNewContextFromGroup(t *testing.T) {
	t.Parallel()

	startsAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	group := domain.AlertGroup{
		Fingerprint:      "abc123",
		Name:             "HighCPU",
		Labels:           map[string]string{"alertname": "HighCPU", "severity": "warning"},
		CurrentStatus:    domain.StatusFiring,
		Severity:         "warning",
		Instance:         "node-1",
		FirstOccurrence:  startsAt,
		LastOccurrence:   startsAt,
		TotalFiringCount: 2,
	}
	instance := &domain.AlertInstance{
		StartsAt:     startsAt,
		Annotations:  map[string]string{"summary": "cpu > 90%"},
		GeneratorURL: "http://prom/graph",
	}
	ctx := NewContext(group, instance, domain.TransitionReFiring, "ops").With(map[string]string{"ref": "OPS-1"})

	got, err := Render("{{ rule }}:{{ alertname }}@{{ instance }} {{ transition }} #{{ total_firing_count }} ack={{ acknowledged }} {{ starts_at }} {{ ends_at }}{{ annotations.summary }} {{ ref }}", ctx)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "ops:HighCPU@node-1 ReFiring #2 ack=false 2026-03-01T10:00:00Z cpu > 90% OPS-1"
	if got != want {
		t.Fatalf("unexpected output\n got: %q\nwant: %q", got, want)
	}
}

func TestTemplateExecuteConcurrent(t *testing.T) {
	t.Parallel()

	tmpl, err := Parse("body", "{{ alertname }}-{{ labels.n }}")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			value := string(rune('a' + n))
			out, err := tmpl.Execute(Context{
				Vars:   map[string]string{"alertname": "x"},
				Labels: map[string]string{"n": value},
			})
			if err != nil || out != "x-"+value {
				t.Errorf("unexpected output %q err=%v", out, err)
			}
		}(i)
	}
	wg.Wait()
}
