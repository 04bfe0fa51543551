package otel

import (
	"context"
	"errors"
	"fmt"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// observeFunc reports one group of instruments from a single snapshot.
type observeFunc func(metric.Observer, goIdP.MetricsSnapshot)

// Exporter publishes engine metrics through an OTel meter. Values are read
// from the engine on each collection; nothing is pushed.
type Exporter struct {
	source       internaldefs.Source
	registration metric.Registration
}

// NewExporter registers the engine's counters and histograms on meter.
func NewExporter(meter metric.Meter, engine *goIdP.Engine) (*Exporter, error) {
	if engine == nil {
		return nil, ErrNilSource
	}
	return NewExporterFromSource(meter, engine)
}

// NewExporterFromSource is NewExporter for any [internaldefs.Source].
func NewExporterFromSource(meter metric.Meter, source internaldefs.Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	r := &registrar{meter: meter, source: source}
	for _, def := range internaldefs.CounterDefs {
		r.counter(def)
	}
	for _, def := range internaldefs.SideCounterDefs {
		r.sideCounter(def)
	}
	for _, def := range internaldefs.HistogramDefs {
		r.histogram(def)
	}
	if r.err != nil {
		return nil, r.err
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snapshot := source.MetricsSnapshot()
		for _, fn := range r.observers {
			fn(o, snapshot)
		}
		return nil
	}, r.instruments...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return &Exporter{source: source, registration: registration}, nil
}

// Close unregisters the collection callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}

// registrar creates instruments and remembers the first error.
type registrar struct {
	meter       metric.Meter
	source      internaldefs.Source
	instruments []metric.Observable
	observers   []observeFunc
	err         error
}

func (r *registrar) newCounter(name, help string) metric.Int64ObservableCounter {
	if r.err != nil {
		return nil
	}
	ins, err := r.meter.Int64ObservableCounter(name, metric.WithDescription(help))
	if err != nil {
		r.err = fmt.Errorf("create observable counter %s: %w", name, err)
		return nil
	}
	r.instruments = append(r.instruments, ins)
	return ins
}

func (r *registrar) newGauge(name, help string) metric.Int64ObservableGauge {
	if r.err != nil {
		return nil
	}
	ins, err := r.meter.Int64ObservableGauge(name, metric.WithDescription(help))
	if err != nil {
		r.err = fmt.Errorf("create observable gauge %s: %w", name, err)
		return nil
	}
	r.instruments = append(r.instruments, ins)
	return ins
}

func (r *registrar) counter(def internaldefs.CounterDef) {
	ins := r.newCounter(def.Name, def.Help)
	r.observers = append(r.observers, func(o metric.Observer, s goIdP.MetricsSnapshot) {
		o.ObserveInt64(ins, int64(s.Counters[def.ID]))
	})
}

func (r *registrar) sideCounter(def internaldefs.SideCounterDef) {
	ins := r.newCounter(def.Name, def.Help)
	source := r.source
	r.observers = append(r.observers, func(o metric.Observer, _ goIdP.MetricsSnapshot) {
		o.ObserveInt64(ins, int64(def.Value(source)))
	})
}

// histogram exports one gauge per cumulative bucket plus a count gauge,
// named <name>_bucket_le_<bound> and <name>_count.
func (r *registrar) histogram(def internaldefs.HistogramDef) {
	labels := internaldefs.CumulativeBuckets(nil)
	gauges := make([]metric.Int64ObservableGauge, len(labels))
	for i, b := range labels {
		gauges[i] = r.newGauge(def.Name+"_bucket_le_"+b.Suffix, "Cumulative histogram bucket count.")
	}
	count := r.newGauge(def.Name+"_count", "Histogram total sample count.")

	r.observers = append(r.observers, func(o metric.Observer, s goIdP.MetricsSnapshot) {
		buckets := internaldefs.CumulativeBuckets(s.Histograms[def.ID])
		for i, b := range buckets {
			o.ObserveInt64(gauges[i], int64(b.Count))
		}
		o.ObserveInt64(count, int64(buckets[len(buckets)-1].Count))
	})
}
