// Package notify renders rule templates and delivers them through channel adapters.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"alerthub/internal/config"
	"alerthub/internal/domain"
	"alerthub/internal/faults"
	"alerthub/internal/logging"
	"alerthub/internal/metrics"
	"alerthub/internal/templatefmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Subject is the group view one dispatch renders against.
// Params: group snapshot, affected instance, transition kind, and stored refs by rule name.
// Returns: dispatcher input shared by every matched rule.
type Subject struct {
	Group    domain.AlertGroup
	Instance *domain.AlertInstance
	Kind     domain.TransitionKind
	Refs     map[string]string
}

// Dispatcher delivers rendered rule content with retries and per-channel rate limits.
// Params: adapters by channel, retry policy, per-attempt timeout, and fan-out width.
// Returns: per-rule dispatch results; one rule failing never affects another.
type Dispatcher struct {
	adapters  map[string]Adapter
	limiters  map[string]*rate.Limiter
	retry     config.RetryConfig
	timeout   time.Duration
	workers   int
	logger    *slog.Logger
	templates sync.Map
	sleep     func(ctx context.Context, delay time.Duration) error
}

// NewDispatcher builds dispatcher over constructed adapters.
// Params: dispatch settings, channel settings for rate limits, adapters, and optional logger.
// Returns: dispatcher ready for concurrent use.
func NewDispatcher(cfg config.DispatchConfig, channels config.ChannelsConfig, adapters map[string]Adapter, logger *slog.Logger) *Dispatcher {
	limiters := make(map[string]*rate.Limiter, len(adapters))
	for channel := range adapters {
		limit := config.ChannelRateLimit(channels, channel)
		if limit.RatePerSec <= 0 {
			continue
		}
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiters[channel] = rate.NewLimiter(rate.Limit(limit.RatePerSec), burst)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		adapters: adapters,
		limiters: limiters,
		retry:    cfg.Retry,
		timeout:  time.Duration(cfg.TimeoutMS) * time.Millisecond,
		workers:  workers,
		logger:   logging.OrDiscard(logger),
		sleep:    sleepContext,
	}
}

// Channels reports channels with a configured adapter.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.adapters))
	for _, channel := range config.ChannelNames() {
		if _, ok := d.adapters[channel]; ok {
			out = append(out, channel)
		}
	}
	return out
}

// DispatchAll fans rules out with bounded concurrency.
// Params: context, matched rules in priority order, and subject.
// Returns: batch with results in rule order.
func (d *Dispatcher) DispatchAll(ctx context.Context, rules []config.RuleConfig, subject Subject) domain.DispatchBatch {
	batch := domain.DispatchBatch{
		Fingerprint: subject.Group.Fingerprint,
		Transition:  subject.Kind,
		Results:     make([]domain.DispatchResult, len(rules)),
	}
	var group errgroup.Group
	group.SetLimit(d.workers)
	for index, rule := range rules {
		group.Go(func() error {
			batch.Results[index] = d.Dispatch(ctx, rule, subject)
			return nil
		})
	}
	_ = group.Wait()
	return batch
}

// Dispatch renders and delivers one rule.
// Params: context, rule, and subject.
// Returns: result with attempt count, external ref, and error detail.
func (d *Dispatcher) Dispatch(ctx context.Context, rule config.RuleConfig, subject Subject) domain.DispatchResult {
	started := time.Now()
	result := domain.DispatchResult{Rule: rule.Name, Channel: rule.Channel, Target: rule.Target}
	logger := d.logger.With(
		"rule", rule.Name,
		"channel", rule.Channel,
		"fingerprint", subject.Group.Fingerprint,
		"transition", string(subject.Kind),
	)
	defer func() {
		result.Duration = time.Since(started)
		metrics.DispatchResultsTotal.WithLabelValues(rule.Channel, outcomeLabel(result)).Inc()
		metrics.DispatchDuration.WithLabelValues(rule.Channel).Observe(result.Duration.Seconds())
	}()

	adapter, ok := d.adapters[rule.Channel]
	if !ok {
		result.ErrorDetail = fmt.Sprintf("channel %q is not configured", rule.Channel)
		result.ErrorClass = "permanent"
		logger.Error("dispatch skipped unknown channel")
		return result
	}
	ref := subject.Refs[rule.Name]
	if config.IsTicketChannel(rule.Channel) && ref == "" && subject.Kind == domain.TransitionResolved {
		result.Skipped = true
		return result
	}

	content, err := d.render(rule, subject, ref)
	if err != nil {
		result.ErrorDetail = err.Error()
		result.ErrorClass = faults.Classify(err)
		logger.Error("dispatch template failed", "error", err)
		return result
	}

	externalRef, attempts, err := d.deliver(ctx, adapter, rule, content, logger)
	result.AttemptCount = attempts
	if err != nil {
		result.ErrorDetail = err.Error()
		result.ErrorClass = faults.Classify(err)
		logger.Error("dispatch failed", "attempts", attempts, "class", faults.Classify(err), "error", err)
		return result
	}
	result.Succeeded = true
	result.ExternalRef = externalRef
	return result
}

// render builds adapter content: title+description first, title+comment once a ref exists.
func (d *Dispatcher) render(rule config.RuleConfig, subject Subject, ref string) (Content, error) {
	renderCtx := templatefmt.NewContext(subject.Group, subject.Instance, subject.Kind, rule.Name).
		With(map[string]string{"target": rule.Target, "ref": ref}).
		WithOptions(rule.Options)

	title, err := d.execute(rule, "title_template", rule.TitleTemplate, renderCtx)
	if err != nil {
		return Content{}, err
	}
	bodyName, bodyText := "description_template", rule.DescriptionTemplate
	if ref != "" && strings.TrimSpace(rule.CommentTemplate) != "" {
		bodyName, bodyText = "comment_template", rule.CommentTemplate
	}
	body, err := d.execute(rule, bodyName, bodyText, renderCtx)
	if err != nil {
		return Content{}, err
	}
	return Content{
		Title:   title,
		Body:    body,
		Ref:     ref,
		Kind:    subject.Kind,
		Options: rule.Options,
		Context: renderCtx,
	}, nil
}

// execute renders one rule template through the parse cache.
func (d *Dispatcher) execute(rule config.RuleConfig, field, text string, renderCtx templatefmt.Context) (string, error) {
	tmpl, err := d.template("rule."+rule.Name+"."+field, text)
	if err == nil {
		var rendered string
		if rendered, err = tmpl.Execute(renderCtx); err == nil {
			return rendered, nil
		}
	}
	var templateErr *faults.TemplateError
	if errors.As(err, &templateErr) {
		return "", templateErr.WithRule(rule.Name)
	}
	return "", err
}

// template returns cached parse result keyed by name and body.
func (d *Dispatcher) template(name, text string) (*templatefmt.Template, error) {
	key := name + "\x00" + text
	if cached, ok := d.templates.Load(key); ok {
		return cached.(*templatefmt.Template), nil
	}
	tmpl, err := templatefmt.Parse(name, text)
	if err != nil {
		return nil, err
	}
	d.templates.Store(key, tmpl)
	return tmpl, nil
}

// deliver calls adapter with retry policy.
// Params: context, adapter, rule, rendered content, and scoped logger.
// Returns: external ref, attempts made, and final error.
func (d *Dispatcher) deliver(ctx context.Context, adapter Adapter, rule config.RuleConfig, content Content, logger *slog.Logger) (string, int, error) {
	maxAttempts := d.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	attempt := 0
	for {
		if limiter := d.limiters[rule.Channel]; limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return "", attempt, fmt.Errorf("rate limit wait: %w", err)
			}
		}
		attempt++
		metrics.DispatchAttemptsTotal.WithLabelValues(rule.Channel).Inc()
		ref, err := d.attempt(ctx, adapter, rule.Target, content)
		if err == nil {
			if d.retry.LogEachAttempt && attempt > 1 {
				logger.Info("dispatch recovered after retries", "attempt", attempt)
			}
			return ref, attempt, nil
		}
		if d.retry.LogEachAttempt {
			logger.Warn("dispatch attempt failed", "attempt", attempt, "error", err)
		}
		if !faults.IsTransient(err) || attempt >= maxAttempts {
			if attempt > 1 {
				err = fmt.Errorf("failed after %d attempts: %w", attempt, err)
			}
			return "", attempt, err
		}
		if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
			return "", attempt, err
		}
	}
}

// attempt runs one adapter call under per-attempt timeout; deadline hits are transient.
func (d *Dispatcher) attempt(ctx context.Context, adapter Adapter, target string, content Content) (string, error) {
	attemptCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ref, err := adapter.Notify(attemptCtx, target, content)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !faults.IsPermanent(err) {
		return "", faults.Transient(adapter.Channel(), fmt.Errorf("attempt timed out after %s: %w", d.timeout, err))
	}
	return ref, err
}

// backoff returns delay after failed attempt n (1-based).
func (d *Dispatcher) backoff(attempt int) time.Duration {
	initial := time.Duration(d.retry.InitialMS) * time.Millisecond
	maxDelay := time.Duration(d.retry.MaxMS) * time.Millisecond
	if !strings.EqualFold(d.retry.Backoff, "exponential") {
		return initial
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// sleepContext waits for delay or context cancellation.
func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// outcomeLabel maps result to metric label.
func outcomeLabel(result domain.DispatchResult) string {
	switch {
	case result.Skipped:
		return "skipped"
	case result.Succeeded:
		return "success"
	default:
		return "failed"
	}
}
