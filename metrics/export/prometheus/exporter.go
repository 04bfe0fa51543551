package prometheus

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/metrics/export/internaldefs"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

// Exporter renders engine metrics in Prometheus text exposition format.
type Exporter struct {
	source internaldefs.Source
}

// NewExporter reads from engine.
func NewExporter(engine *goIdP.Engine) *Exporter {
	return &Exporter{source: engine}
}

// NewExporterFromSource reads from any [internaldefs.Source]; tests use it
// with a canned snapshot.
func NewExporterFromSource(source internaldefs.Source) *Exporter {
	return &Exporter{source: source}
}

// Handler serves the current metrics. Mount it on an admin listener.
func (p *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = io.WriteString(w, p.Render())
	})
}

// Render returns the current metrics. It returns an empty string while
// metrics are disabled and nothing else has been counted.
func (p *Exporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	side := make([]uint64, len(internaldefs.SideCounterDefs))
	var sideTotal uint64
	for i, def := range internaldefs.SideCounterDefs {
		side[i] = def.Value(p.source)
		sideTotal += side[i]
	}
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && sideTotal == 0 {
		return ""
	}

	var buf bytes.Buffer
	buf.Grow(8192)
	for _, def := range internaldefs.CounterDefs {
		writeCounter(&buf, def.Name, def.Help, snapshot.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		writeHistogram(&buf, def.Name, def.Help, internaldefs.CumulativeBuckets(snapshot.Histograms[def.ID]))
	}
	for i, def := range internaldefs.SideCounterDefs {
		writeCounter(&buf, def.Name, def.Help, side[i])
	}
	return buf.String()
}

func writeHeader(w io.Writer, name, help, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, escapeHelp(help), name, kind)
}

func writeCounter(w io.Writer, name, help string, value uint64) {
	writeHeader(w, name, help, "counter")
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// writeHistogram prints the buckets, the count and a zero sum; snapshots
// keep no sum.
func writeHistogram(w io.Writer, name, help string, buckets []internaldefs.Bucket) {
	writeHeader(w, name, help, "histogram")
	var count uint64
	for _, b := range buckets {
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, b.Le, b.Count)
		count = b.Count
	}
	fmt.Fprintf(w, "%s_count %d\n%s_sum 0\n", name, count, name)
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(help string) string {
	return helpEscaper.Replace(help)
}
