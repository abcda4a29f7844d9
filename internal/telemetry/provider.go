package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Provider owns an in-process meter provider read on demand. Metrics stay in
// the process; Snapshot is how callers get at them.
type Provider struct {
	mp      *sdkmetric.MeterProvider
	reader  *sdkmetric.ManualReader
	Metrics *Metrics
}

// NewProvider creates a meter provider with a manual reader and the scheduler
// instruments registered on it.
func NewProvider(serviceName string) (*Provider, error) {
	reader := sdkmetric.NewManualReader()
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		mp.Shutdown(context.Background())
		return nil, err
	}

	return &Provider{mp: mp, reader: reader, Metrics: m}, nil
}

// Point is one flattened data point.
type Point struct {
	Name  string
	Attrs string  // Sorted key=value pairs, comma separated
	Value float64 // Sum or gauge value; histogram sum
	Count uint64  // Histogram sample count; 0 otherwise
}

// Snapshot collects the current value of every instrument, ordered by name
// and attributes.
func (p *Provider) Snapshot(ctx context.Context) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collecting metrics: %w", err)
	}

	var points []Point
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			points = append(points, flatten(m)...)
		}
	}

	sort.Slice(points, func(i, j int) bool {
		if points[i].Name != points[j].Name {
			return points[i].Name < points[j].Name
		}
		return points[i].Attrs < points[j].Attrs
	})
	return points, nil
}

func flatten(m metricdata.Metrics) []Point {
	var out []Point
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			out = append(out, Point{Name: m.Name, Attrs: attrString(dp.Attributes), Value: float64(dp.Value)})
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, Point{Name: m.Name, Attrs: attrString(dp.Attributes), Value: dp.Value})
		}
	case metricdata.Gauge[int64]:
		for _, dp := range data.DataPoints {
			out = append(out, Point{Name: m.Name, Attrs: attrString(dp.Attributes), Value: float64(dp.Value)})
		}
	case metricdata.Gauge[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, Point{Name: m.Name, Attrs: attrString(dp.Attributes), Value: dp.Value})
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, Point{Name: m.Name, Attrs: attrString(dp.Attributes), Value: dp.Sum, Count: dp.Count})
		}
	}
	return out
}

func attrString(set attribute.Set) string {
	kvs := set.ToSlice() // Already sorted by key
	parts := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
	}
	return strings.Join(parts, ",")
}

// Shutdown releases the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}
