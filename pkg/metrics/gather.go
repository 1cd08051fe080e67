package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/cuemby/relay/pkg/types"
)

// Gather renders the default registry into flat metric points for the
// GetMetrics stream. Histograms and summaries are flattened to their sum
// and count series.
func Gather() ([]types.MetricPoint, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	now := time.Now()
	var points []types.MetricPoint

	for _, family := range families {
		for _, m := range family.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if len(labels) == 0 {
				labels = nil
			}

			name := family.GetName()
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				points = append(points, types.MetricPoint{
					Name: name, Labels: labels,
					Value: m.GetCounter().GetValue(), Timestamp: now,
				})
			case dto.MetricType_GAUGE:
				points = append(points, types.MetricPoint{
					Name: name, Labels: labels,
					Value: m.GetGauge().GetValue(), Timestamp: now,
				})
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				points = append(points,
					types.MetricPoint{Name: name + "_sum", Labels: labels, Value: h.GetSampleSum(), Timestamp: now},
					types.MetricPoint{Name: name + "_count", Labels: labels, Value: float64(h.GetSampleCount()), Timestamp: now},
				)
			case dto.MetricType_SUMMARY:
				s := m.GetSummary()
				points = append(points,
					types.MetricPoint{Name: name + "_sum", Labels: labels, Value: s.GetSampleSum(), Timestamp: now},
					types.MetricPoint{Name: name + "_count", Labels: labels, Value: float64(s.GetSampleCount()), Timestamp: now},
				)
			case dto.MetricType_UNTYPED:
				points = append(points, types.MetricPoint{
					Name: name, Labels: labels,
					Value: m.GetUntyped().GetValue(), Timestamp: now,
				})
			}
		}
	}
	return points, nil
}
