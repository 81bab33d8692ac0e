package metrics

import (
	"net/http"
	"time"

	"github.com/leozw/uptime-sentinel/internal/config"
	"github.com/leozw/uptime-sentinel/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultProject labels series whose monitor has no project scope.
const DefaultProject = "default"

// Collector methods are safe to call on a nil receiver.
type Collector struct {
	config   *config.MimirConfig
	registry *prometheus.Registry
	client   *http.Client

	// Probe metrics
	probeDuration   *prometheus.HistogramVec
	probesTotal     *prometheus.CounterVec
	monitorUp       *prometheus.GaugeVec
	probeStatusCode *prometheus.GaugeVec
	lastProbe       *prometheus.GaugeVec

	// Scheduler metrics
	probesDiscarded   *prometheus.CounterVec
	monitorsScheduled prometheus.Gauge
	probesInFlight    prometheus.Gauge

	// Incident metrics
	incidentsTotal  *prometheus.CounterVec
	incidentsActive *prometheus.GaugeVec
	incidentMTTA    *prometheus.HistogramVec // Mean Time To Acknowledge
	incidentMTTR    *prometheus.HistogramVec // Mean Time To Recovery

	// Audit and notification metrics
	auditEntries        *prometheus.CounterVec
	notificationsSent   *prometheus.CounterVec
	notificationLatency *prometheus.HistogramVec
}

func NewCollector(cfg config.MimirConfig) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		config:   &cfg,
		registry: reg,
		client:   &http.Client{Timeout: 30 * time.Second},

		probeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_probe_duration_seconds",
				Help:    "Duration of probes in seconds",
				Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"project_id", "monitor_id", "kind"},
		),

		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_probes_total",
				Help: "Total number of probes applied",
			},
			[]string{"project_id", "monitor_id", "kind", "outcome", "status"},
		),

		monitorUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_monitor_up",
				Help: "Whether the monitor is up (1) or down (0)",
			},
			[]string{"project_id", "monitor_id", "monitor_name"},
		),

		probeStatusCode: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_http_response_code",
				Help: "HTTP response code of the last probe",
			},
			[]string{"project_id", "monitor_id"},
		),

		lastProbe: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_last_probe_timestamp_seconds",
				Help: "Timestamp of the last applied probe",
			},
			[]string{"project_id", "monitor_id"},
		),

		probesDiscarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_probes_discarded_total",
				Help: "Probe results dropped before being applied",
			},
			[]string{"reason"},
		),

		monitorsScheduled: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_monitors_scheduled",
				Help: "Number of monitors with an active schedule",
			},
		),

		probesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_probes_in_flight",
				Help: "Number of probes currently running",
			},
		),

		incidentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_incidents_total",
				Help: "Total number of incidents opened",
			},
			[]string{"project_id", "severity", "source"},
		),

		incidentsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_incidents_active",
				Help: "Number of incidents not yet resolved",
			},
			[]string{"project_id", "severity"},
		),

		incidentMTTA: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_incident_mtta_minutes",
				Help:    "Minutes from incident start to acknowledgement",
				Buckets: []float64{1, 5, 10, 15, 30, 60, 120, 240, 480},
			},
			[]string{"project_id"},
		),

		incidentMTTR: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_incident_mttr_minutes",
				Help:    "Minutes from incident start to resolution",
				Buckets: []float64{1, 5, 10, 15, 30, 60, 120, 240, 480, 1440},
			},
			[]string{"project_id"},
		),

		auditEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_audit_entries_total",
				Help: "Audit entries committed",
			},
			[]string{"entity_type", "action"},
		),

		notificationsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_notifications_total",
				Help: "Incident notifications delivered per sink",
			},
			[]string{"sink", "status"},
		),

		notificationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_notification_latency_seconds",
				Help:    "Time spent delivering a notification",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func projectLabel(projectID string) string {
	if projectID == "" {
		return DefaultProject
	}
	return projectID
}

func (c *Collector) RecordProbe(monitor *core.Monitor, result core.ProbeResult, status core.MonitorStatus, duration time.Duration) {
	if c == nil {
		return
	}
	project := projectLabel(monitor.ProjectID)

	c.probeDuration.With(prometheus.Labels{
		"project_id": project,
		"monitor_id": monitor.ID,
		"kind":       string(monitor.Kind),
	}).Observe(duration.Seconds())

	c.probesTotal.With(prometheus.Labels{
		"project_id": project,
		"monitor_id": monitor.ID,
		"kind":       string(monitor.Kind),
		"outcome":    string(result.Outcome),
		"status":     string(status),
	}).Inc()

	upValue := 0.0
	if status == core.StatusUp {
		upValue = 1.0
	}
	c.monitorUp.With(prometheus.Labels{
		"project_id":   project,
		"monitor_id":   monitor.ID,
		"monitor_name": monitor.Name,
	}).Set(upValue)

	if result.StatusCode != nil {
		c.probeStatusCode.With(prometheus.Labels{
			"project_id": project,
			"monitor_id": monitor.ID,
		}).Set(float64(*result.StatusCode))
	}

	c.lastProbe.With(prometheus.Labels{
		"project_id": project,
		"monitor_id": monitor.ID,
	}).Set(float64(result.CheckedAt.Unix()))
}

// ForgetMonitor drops every series labelled with the monitor id.
func (c *Collector) ForgetMonitor(monitorID string) {
	if c == nil {
		return
	}
	match := prometheus.Labels{"monitor_id": monitorID}
	c.probeDuration.DeletePartialMatch(match)
	c.probesTotal.DeletePartialMatch(match)
	c.monitorUp.DeletePartialMatch(match)
	c.probeStatusCode.DeletePartialMatch(match)
	c.lastProbe.DeletePartialMatch(match)
}

func (c *Collector) RecordDiscarded(reason string) {
	if c == nil {
		return
	}
	c.probesDiscarded.With(prometheus.Labels{"reason": reason}).Inc()
}

func (c *Collector) SetScheduled(n int) {
	if c == nil {
		return
	}
	c.monitorsScheduled.Set(float64(n))
}

func (c *Collector) ProbeStarted() {
	if c == nil {
		return
	}
	c.probesInFlight.Inc()
}

func (c *Collector) ProbeFinished() {
	if c == nil {
		return
	}
	c.probesInFlight.Dec()
}

func (c *Collector) RecordIncidentOpened(incident *core.Incident) {
	if c == nil {
		return
	}
	project := projectLabel(incident.ProjectID)

	c.incidentsTotal.With(prometheus.Labels{
		"project_id": project,
		"severity":   string(incident.Severity),
		"source":     string(incident.Source),
	}).Inc()

	c.incidentsActive.With(prometheus.Labels{
		"project_id": project,
		"severity":   string(incident.Severity),
	}).Inc()
}

func (c *Collector) RecordIncidentAcknowledged(incident *core.Incident) {
	if c == nil || incident.AcknowledgedAt == nil {
		return
	}
	mtta := incident.AcknowledgedAt.Sub(incident.StartedAt).Minutes()
	c.incidentMTTA.With(prometheus.Labels{
		"project_id": projectLabel(incident.ProjectID),
	}).Observe(mtta)
}

func (c *Collector) RecordIncidentResolved(incident *core.Incident) {
	if c == nil {
		return
	}
	project := projectLabel(incident.ProjectID)

	c.incidentsActive.With(prometheus.Labels{
		"project_id": project,
		"severity":   string(incident.Severity),
	}).Dec()

	if incident.ResolvedAt != nil {
		c.incidentMTTR.With(prometheus.Labels{
			"project_id": project,
		}).Observe(incident.ResolvedAt.Sub(incident.StartedAt).Minutes())
	}
}

func (c *Collector) RecordAudit(entries ...*core.AuditEntry) {
	if c == nil {
		return
	}
	for _, e := range entries {
		c.auditEntries.With(prometheus.Labels{
			"entity_type": string(e.EntityType),
			"action":      string(e.Action),
		}).Inc()
	}
}

func (c *Collector) RecordNotification(sink string, success bool, latency time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}

	c.notificationsSent.With(prometheus.Labels{
		"sink":   sink,
		"status": status,
	}).Inc()

	c.notificationLatency.With(prometheus.Labels{
		"sink": sink,
	}).Observe(latency.Seconds())
}
