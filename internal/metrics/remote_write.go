package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/snappy"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
)

const projectLabelName = "project_id"

// StartRemoteWrite pushes the registry to Mimir every flush interval until
// ctx is cancelled. It is a no-op when no URL is configured.
func (c *Collector) StartRemoteWrite(ctx context.Context, logger *zap.Logger) {
	if c.config.URL == "" {
		return
	}

	interval := c.config.FlushInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeToMimir(ctx); err != nil {
				logger.Warn("Remote write failed", zap.Error(err))
			}
		}
	}
}

func (c *Collector) writeToMimir(ctx context.Context) error {
	// Gather metrics
	mfs, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	// Convert to remote write format
	samples := c.metricsToSamples(mfs, time.Now())
	if len(samples) == 0 {
		return nil
	}

	batchSize := c.config.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	for i := 0; i < len(samples); i += batchSize {
		end := i + batchSize
		if end > len(samples) {
			end = len(samples)
		}

		if err := c.sendBatch(ctx, samples[i:end]); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
	}

	return nil
}

func (c *Collector) metricsToSamples(mfs []*dto.MetricFamily, now time.Time) []prompb.TimeSeries {
	var samples []prompb.TimeSeries
	ts := now.UnixNano() / 1e6

	for _, mf := range mfs {
		for _, m := range mf.Metric {
			// Series without a project scope are process-level and stay local
			var projectID string
			labels := make([]prompb.Label, 0, len(m.Label)+1)

			for _, l := range m.Label {
				if l.GetName() == projectLabelName {
					projectID = l.GetValue()
				}
				labels = append(labels, prompb.Label{
					Name:  l.GetName(),
					Value: l.GetValue(),
				})
			}

			if projectID == "" {
				continue
			}

			series := func(name string, value float64, extra ...prompb.Label) prompb.TimeSeries {
				ls := make([]prompb.Label, 0, len(labels)+len(extra)+1)
				ls = append(ls, labels...)
				ls = append(ls, extra...)
				ls = append(ls, prompb.Label{Name: "__name__", Value: name})
				return prompb.TimeSeries{
					Labels:  ls,
					Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
				}
			}

			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				samples = append(samples, series(mf.GetName(), m.Counter.GetValue()))
			case dto.MetricType_GAUGE:
				samples = append(samples, series(mf.GetName(), m.Gauge.GetValue()))
			case dto.MetricType_HISTOGRAM:
				hist := m.Histogram
				for _, bucket := range hist.Bucket {
					samples = append(samples, series(mf.GetName()+"_bucket", float64(bucket.GetCumulativeCount()),
						prompb.Label{Name: "le", Value: fmt.Sprintf("%g", bucket.GetUpperBound())}))
				}
				samples = append(samples, series(mf.GetName()+"_bucket", float64(hist.GetSampleCount()),
					prompb.Label{Name: "le", Value: "+Inf"}))
				samples = append(samples, series(mf.GetName()+"_sum", hist.GetSampleSum()))
				samples = append(samples, series(mf.GetName()+"_count", float64(hist.GetSampleCount())))
			}
		}
	}

	return samples
}

func (c *Collector) sendBatch(ctx context.Context, samples []prompb.TimeSeries) error {
	// Group by project; each project maps to one Mimir tenant
	byProject := make(map[string][]prompb.TimeSeries)
	for _, ts := range samples {
		for _, label := range ts.Labels {
			if label.Name == projectLabelName {
				byProject[label.Value] = append(byProject[label.Value], ts)
				break
			}
		}
	}

	for projectID, projectSamples := range byProject {
		if err := c.push(ctx, projectID, projectSamples); err != nil {
			return err
		}
	}

	return nil
}

func (c *Collector) push(ctx context.Context, projectID string, series []prompb.TimeSeries) error {
	req := &prompb.WriteRequest{Timeseries: series}

	data, err := req.Marshal()
	if err != nil {
		return err
	}

	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+"/api/v1/push", bytes.NewReader(compressed))
	if err != nil {
		return err
	}

	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	httpReq.Header.Set(c.tenantHeader(), projectID)
	if c.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write failed: %s", resp.Status)
	}
	return nil
}

func (c *Collector) tenantHeader() string {
	if c.config.TenantHeader == "" {
		return "X-Scope-OrgID"
	}
	return c.config.TenantHeader
}
