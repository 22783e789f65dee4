package alerter

import (
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"NetSimCore/internal/config"
	"NetSimCore/internal/mempool"
	"NetSimCore/internal/metrics"
	"NetSimCore/internal/model"
)

// Sample is the state a rule set is evaluated against.
type Sample struct {
	Metrics     metrics.Snapshot
	Pool        mempool.Stats
	ActiveFlows int
}

// Source produces a fresh Sample for each evaluation.
type Source func() Sample

var extractors = map[string]func(Sample) float64{
	"drop_rate":        func(s Sample) float64 { return s.Metrics.DropRate() },
	"errors":           func(s Sample) float64 { return float64(s.Metrics.Errors) },
	"packets_dropped":  func(s Sample) float64 { return float64(s.Metrics.PacketsDropped) },
	"latency_avg_ns":   func(s Sample) float64 { return float64(s.Metrics.LatencyAvgNs) },
	"active_flows":     func(s Sample) float64 { return float64(s.ActiveFlows) },
	"pool_utilization": func(s Sample) float64 { return s.Pool.Utilization() },
}

// Alerter is responsible for evaluating router state against predefined rules
// and triggering notifications if rules are violated.
type Alerter struct {
	source        Source
	rules         []config.AlerterRule
	notifier      model.Notifier
	checkInterval time.Duration
	logger        *zap.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewAlerter creates a new Alerter instance.
func NewAlerter(cfg *config.AlerterConfig, source Source, notifier model.Notifier, logger *zap.Logger) (*Alerter, error) {
	if source == nil || notifier == nil {
		return nil, fmt.Errorf("alerter requires a source and a notifier")
	}
	if cfg.CheckInterval <= 0 {
		return nil, fmt.Errorf("invalid check_interval for alerter: %s", cfg.CheckInterval)
	}
	for _, r := range cfg.Rules {
		if _, ok := extractors[r.Metric]; !ok {
			return nil, fmt.Errorf("alerter rule %q: unknown metric %q", r.Name, r.Metric)
		}
		if _, ok := compare(r.Operator, 0, 0); !ok {
			return nil, fmt.Errorf("alerter rule %q: unknown operator %q", r.Name, r.Operator)
		}
	}

	return &Alerter{
		source:        source,
		rules:         cfg.Rules,
		notifier:      notifier,
		checkInterval: cfg.CheckInterval,
		logger:        logger.Named("alerter"),
		stopChan:      make(chan struct{}),
	}, nil
}

// Start begins the periodic evaluation of alert rules in the background.
func (a *Alerter) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.Check()
			case <-a.stopChan:
				return
			}
		}
	}()
	a.logger.Info("Alerter started", zap.Int("rules", len(a.rules)), zap.Duration("interval", a.checkInterval))
}

// Stop stops the evaluation loop and runs one final check.
func (a *Alerter) Stop() {
	a.stopOnce.Do(func() {
		a.logger.Info("Stopping alerter")
		close(a.stopChan)
		a.wg.Wait()
		a.Check()
	})
}

// Evaluate returns one message per violated rule.
func (a *Alerter) Evaluate(s Sample) []string {
	var msgs []string
	for _, r := range a.rules {
		v := extractors[r.Metric](s)
		if hit, _ := compare(r.Operator, v, r.Threshold); hit {
			msgs = append(msgs, fmt.Sprintf("%s: %s = %.2f (threshold %s %.2f)",
				r.Name, r.Metric, v, r.Operator, r.Threshold))
		}
	}
	return msgs
}

// Check evaluates the rules once and sends a consolidated notification when
// any of them fire. It returns the number of triggered rules.
func (a *Alerter) Check() int {
	msgs := a.Evaluate(a.source())
	if len(msgs) == 0 {
		return 0
	}
	a.logger.Info("Alerter evaluation completed", zap.Int("triggered", len(msgs)))

	var b strings.Builder
	b.WriteString("<h1>NetSimCore Alert Summary</h1>")
	b.WriteString("<p>The following alerts were triggered during the last check:</p><ul>")
	for _, m := range msgs {
		b.WriteString("<li>" + html.EscapeString(m) + "</li>")
	}
	b.WriteString("</ul>")

	subject := fmt.Sprintf("NetSimCore Alert Summary (%d Triggered)", len(msgs))
	if err := a.notifier.Send(subject, b.String()); err != nil {
		a.logger.Error("Failed to send consolidated alert notification", zap.Error(err))
	}
	return len(msgs)
}

func compare(op string, v, threshold float64) (hit, ok bool) {
	switch op {
	case ">":
		return v > threshold, true
	case ">=":
		return v >= threshold, true
	case "<":
		return v < threshold, true
	case "<=":
		return v <= threshold, true
	case "==":
		return v == threshold, true
	}
	return false, false
}
