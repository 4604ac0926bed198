package telemetry

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// UCUM units.
const (
	unitDimensionless = "1"
	unitMilliseconds  = "ms"
)

//nolint:gochecknoglobals // histogram boundaries shared by every latency view
var defaultMillisecondsBoundaries = []float64{
	0, 0.1, 0.2, 0.4, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40,
	50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000,
	5000, 10000, 30000,
}

// Views shapes the latency histogram of pkg and derives a completed call
// counter from it.
func Views(pkg string) []sdkmetric.View {
	latencyName := pkg + "/latency"

	return []sdkmetric.View{
		func(inst sdkmetric.Instrument) (sdkmetric.Stream, bool) {
			if inst.Kind != sdkmetric.InstrumentKindHistogram || inst.Name != latencyName {
				return sdkmetric.Stream{}, false
			}
			return sdkmetric.Stream{
				Name:        inst.Name,
				Description: "Distribution of method latency, by package and method.",
				Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
					Boundaries: defaultMillisecondsBoundaries,
				},
				AttributeFilter: func(kv attribute.KeyValue) bool {
					return kv.Key == AttrPackageKey || kv.Key == AttrMethodKey
				},
			}, true
		},
		func(inst sdkmetric.Instrument) (sdkmetric.Stream, bool) {
			if inst.Kind != sdkmetric.InstrumentKindHistogram || inst.Name != latencyName {
				return sdkmetric.Stream{}, false
			}
			return sdkmetric.Stream{
				Name:        strings.Replace(inst.Name, "/latency", "/completed_calls", 1),
				Description: "Count of method calls by method and status.",
				Aggregation: sdkmetric.DefaultAggregationSelector(sdkmetric.InstrumentKindCounter),
				AttributeFilter: func(kv attribute.KeyValue) bool {
					return kv.Key == AttrMethodKey || kv.Key == AttrStatusKey
				},
			}, true
		},
	}
}

func meter(pkg string) metric.Meter {
	return otel.Meter(pkg, metric.WithInstrumentationAttributes(AttrPackageKey.String(pkg)))
}

// LatencyMeasure returns the millisecond latency histogram for pkg.
func LatencyMeasure(pkg string) metric.Float64Histogram {
	m, err := meter(pkg).Float64Histogram(
		pkg+"/latency",
		metric.WithDescription("Latency distribution of method calls"),
		metric.WithUnit(unitMilliseconds),
	)
	if err != nil {
		// only invalid instrument names fail here
		panic(fmt.Sprintf("latency measure for %q: %v", pkg, err))
	}
	return m
}

// DimensionlessMeasure returns a plain counter named pkg+meterName.
func DimensionlessMeasure(pkg string, meterName string, description string) metric.Int64Counter {
	m, err := meter(pkg).Int64Counter(
		pkg+meterName,
		metric.WithDescription(description),
		metric.WithUnit(unitDimensionless),
	)
	if err != nil {
		panic(fmt.Sprintf("counter %q for %q: %v", meterName, pkg, err))
	}
	return m
}
