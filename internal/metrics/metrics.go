// Package metrics exports campaign activity as Prometheus metrics. It is fed
// from the event bus, so the dispatcher never calls into it directly.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rotasend/internal/dispatch"
	"rotasend/internal/eventbus"
)

type Metrics struct {
	Registry *prometheus.Registry

	SendsTotal       *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	EscalationsTotal *prometheus.CounterVec
	ExcludedTotal    *prometheus.CounterVec
	CampaignsTotal   *prometheus.CounterVec
	InFlight         prometheus.Gauge
	BusDropped       prometheus.GaugeFunc
}

// New registers the rotasend collectors plus the Go and process collectors
// on a fresh registry. bus may be nil.
func New(bus eventbus.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		SendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rotasend_sends_total",
			Help: "Terminal send outcomes by account.",
		}, []string{"account", "outcome"}),
		RetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rotasend_send_retries_total",
			Help: "Transient transport failures that were retried.",
		}, []string{"account"}),
		EscalationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rotasend_escalations_total",
			Help: "Failure patterns that crossed the escalation threshold.",
		}, []string{"reason"}),
		ExcludedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rotasend_accounts_excluded_total",
			Help: "Accounts dropped from a run after needing attention.",
		}, []string{"account"}),
		CampaignsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rotasend_campaigns_total",
			Help: "Finished campaign runs by stop reason.",
		}, []string{"stop_reason"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "rotasend_inflight_sends",
			Help: "Attempts launched and not yet reported.",
		}),
	}
	if bus != nil {
		m.BusDropped = f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rotasend_eventbus_dropped",
			Help: "Bus events dropped because a subscriber fell behind.",
		}, func() float64 { return float64(bus.Dropped()) })
	}
	return m
}

// Observe updates the collectors for one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case dispatch.EventSendStarted:
		m.InFlight.Inc()
	case dispatch.EventSendCompleted:
		ev, ok := e.Data.(dispatch.Event)
		if !ok {
			return
		}
		m.InFlight.Dec()
		outcome := "ok"
		switch {
		case ev.Cancelled:
			outcome = "cancelled"
		case !ev.Success:
			outcome = "failed"
		}
		m.SendsTotal.WithLabelValues(ev.AccountID, outcome).Inc()
	case dispatch.EventSendRetry:
		if n, ok := e.Data.(dispatch.RetryNotice); ok {
			m.RetriesTotal.WithLabelValues(n.AccountID).Inc()
		}
	case dispatch.EventEscalation:
		if esc, ok := e.Data.(dispatch.Escalation); ok {
			m.EscalationsTotal.WithLabelValues(esc.Key).Inc()
		}
	case dispatch.EventAccountExcluded:
		if id, ok := e.Data.(string); ok {
			m.ExcludedTotal.WithLabelValues(id).Inc()
		}
	case dispatch.EventCampaignStopped:
		if sum, ok := e.Data.(dispatch.Summary); ok {
			m.CampaignsTotal.WithLabelValues(string(sum.StopReason)).Inc()
			m.InFlight.Set(0)
		}
	}
}

// Consume observes bus events until ctx is done or the subscription closes.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
