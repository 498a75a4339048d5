//Package metrics records engine counters with OpenTelemetry.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const name = "github.com/godzie44/go-uring-bench"

//Recorder counts connection and request events of one engine.
type Recorder struct {
	attrs metric.MeasurementOption

	accepted     metric.Int64Counter
	closed       metric.Int64Counter
	requests     metric.Int64Counter
	respBytes    metric.Int64Counter
	acceptErrors metric.Int64Counter
}

//New create recorder on mp, global provider used if mp is nil. Every measurement
//carries engine attribute.
func New(mp metric.MeterProvider, engine string) (*Recorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(name)

	r := &Recorder{attrs: metric.WithAttributes(attribute.String("engine", engine))}

	var err error
	if r.accepted, err = meter.Int64Counter("connections.accepted",
		metric.WithDescription("Accepted connections"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if r.closed, err = meter.Int64Counter("connections.closed",
		metric.WithDescription("Closed connections"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if r.requests, err = meter.Int64Counter("requests",
		metric.WithDescription("Recognized pipelined requests"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if r.respBytes, err = meter.Int64Counter("responses.bytes",
		metric.WithDescription("Response bytes written"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if r.acceptErrors, err = meter.Int64Counter("accept.errors",
		metric.WithDescription("Failed or rejected accepts"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Recorder) Accepted(ctx context.Context) {
	r.accepted.Add(ctx, 1, r.attrs)
}

func (r *Recorder) Closed(ctx context.Context) {
	r.closed.Add(ctx, 1, r.attrs)
}

func (r *Recorder) Requests(ctx context.Context, n int) {
	r.requests.Add(ctx, int64(n), r.attrs)
}

func (r *Recorder) ResponseBytes(ctx context.Context, n int) {
	r.respBytes.Add(ctx, int64(n), r.attrs)
}

func (r *Recorder) AcceptError(ctx context.Context) {
	r.acceptErrors.Add(ctx, 1, r.attrs)
}

//Totals collect reader and sum int64 counters by instrument name over all attribute sets.
func Totals(ctx context.Context, reader sdkmetric.Reader) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}

	res := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				res[m.Name] += dp.Value
			}
		}
	}
	return res, nil
}
