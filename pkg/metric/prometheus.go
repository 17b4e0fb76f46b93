// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// stageMetricName is the name under which initialization stage durations are
// exported.
const stageMetricName = "vmem_init_stage_duration_seconds"

// PrometheusName returns the Prometheus name of the metric registered as
// name: "/vmem/pgalloc/allocations" becomes "vmem_pgalloc_allocations".
func PrometheusName(name string) string {
	name = strings.TrimPrefix(name, "/")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}

func labelPairs(fields []Field, values []string) []*dto.LabelPair {
	pairs := make([]*dto.LabelPair, len(values))
	for i, v := range values {
		pairs[i] = &dto.LabelPair{
			Name:  proto.String(fields[i].name),
			Value: proto.String(v),
		}
	}
	return pairs
}

func uint64Family(m customUint64Metric, value any) *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if m.metadata.cumulative {
		typ = dto.MetricType_COUNTER
	}
	family := &dto.MetricFamily{
		Name: proto.String(PrometheusName(m.metadata.name)),
		Help: proto.String(m.metadata.description),
		Type: typ.Enum(),
	}
	add := func(labels []*dto.LabelPair, v uint64) {
		metric := &dto.Metric{Label: labels}
		if m.metadata.cumulative {
			metric.Counter = &dto.Counter{Value: proto.Float64(float64(v))}
		} else {
			metric.Gauge = &dto.Gauge{Value: proto.Float64(float64(v))}
		}
		family.Metric = append(family.Metric, metric)
	}
	switch v := value.(type) {
	case uint64:
		add(nil, v)
	case map[string]uint64:
		for _, fieldValue := range m.metadata.fields[0].allowedValues {
			add(labelPairs(m.metadata.fields, []string{fieldValue}), v[fieldValue])
		}
	}
	return family
}

func distributionFamily(d *DistributionMetric, values []distributionValue) *dto.MetricFamily {
	family := &dto.MetricFamily{
		Name: proto.String(PrometheusName(d.metadata.name)),
		Help: proto.String(d.metadata.description),
		Type: dto.MetricType_HISTOGRAM.Enum(),
	}
	bounds := d.metadata.lowerBounds
	for _, v := range values {
		h := &dto.Histogram{
			SampleCount: proto.Uint64(v.total),
			SampleSum:   proto.Float64(float64(v.sum)),
		}
		// Bucket i+1 holds samples below bounds[i+1]; the underflow bucket
		// is folded into the first.
		cumulative := v.buckets[0]
		for i := 0; i+1 < len(bounds); i++ {
			cumulative += v.buckets[i+1]
			h.Bucket = append(h.Bucket, &dto.Bucket{
				CumulativeCount: proto.Uint64(cumulative),
				UpperBound:      proto.Float64(float64(bounds[i+1])),
			})
		}
		h.Bucket = append(h.Bucket, &dto.Bucket{
			CumulativeCount: proto.Uint64(v.total),
			UpperBound:      proto.Float64(math.Inf(1)),
		})
		family.Metric = append(family.Metric, &dto.Metric{
			Label:     labelPairs(d.metadata.fields, v.fields),
			Histogram: h,
		})
	}
	return family
}

func stageFamily(stages []stageTiming) *dto.MetricFamily {
	family := &dto.MetricFamily{
		Name: proto.String(stageMetricName),
		Help: proto.String("Duration of each kernel initialization stage."),
		Type: dto.MetricType_GAUGE.Enum(),
	}
	for _, s := range stages {
		family.Metric = append(family.Metric, &dto.Metric{
			Label: []*dto.LabelPair{{Name: proto.String("stage"), Value: proto.String(string(s.stage))}},
			Gauge: &dto.Gauge{Value: proto.Float64(s.ended.Sub(s.started).Seconds())},
		})
	}
	return family
}

// MetricFamilies returns a snapshot of all metrics as Prometheus metric
// families, sorted by name.
func MetricFamilies() []*dto.MetricFamily {
	snapshot := allMetrics.Values()
	var families []*dto.MetricFamily
	for name, v := range snapshot.uint64Metrics {
		families = append(families, uint64Family(allMetrics.uint64Metrics[name], v))
	}
	for name, v := range snapshot.distributionMetrics {
		families = append(families, distributionFamily(allMetrics.distributionMetrics[name], v))
	}
	if len(snapshot.stages) > 0 {
		families = append(families, stageFamily(snapshot.stages))
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	return families
}

// WritePrometheus writes every metric to w in the Prometheus text exposition
// format.
func WritePrometheus(w io.Writer) error {
	for _, family := range MetricFamilies() {
		if len(family.Metric) == 0 {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return fmt.Errorf("writing metric %s: %w", family.GetName(), err)
		}
	}
	return nil
}
