// Command goidp-benchcheck compares two `go test -bench` outputs and fails
// when a tracked engine benchmark regressed past the threshold.
//
//	go test -run '^$' -bench . -count 5 . > new.txt
//	goidp-benchcheck -baseline old.txt -candidate new.txt
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

const defaultThreshold = 0.30

// defaultTracked names the hot paths of the engine and the units compared
// for each.
var defaultTracked = map[string][]string{
	"BenchmarkValidateSession":   {"ns/op", "allocs/op"},
	"BenchmarkVerifyAccessToken": {"ns/op", "allocs/op"},
	"BenchmarkRefreshRotation":   {"ns/op"},
}

type sampleSet map[string]map[string][]float64

type result struct {
	benchmark string
	unit      string
	baseline  float64
	candidate float64
	delta     float64
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("goidp-benchcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baselinePath := fs.String("baseline", "", "path to baseline benchmark output")
	candidatePath := fs.String("candidate", "", "path to candidate benchmark output")
	threshold := fs.Float64("threshold", defaultThreshold, "maximum allowed regression ratio (0.30 = +30%)")
	track := fs.String("track", "", "comma separated Name:unit pairs replacing the default set")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *baselinePath == "" || *candidatePath == "" {
		fmt.Fprintln(stderr, "-baseline and -candidate are required")
		return 2
	}
	if *threshold < 0 {
		fmt.Fprintln(stderr, "-threshold must be >= 0")
		return 2
	}
	tracked := defaultTracked
	if *track != "" {
		var err error
		if tracked, err = parseTrack(*track); err != nil {
			fmt.Fprintf(stderr, "-track: %v\n", err)
			return 2
		}
	}

	baseline, err := parseBenchmarkFile(*baselinePath, tracked)
	if err != nil {
		fmt.Fprintf(stderr, "parse baseline: %v\n", err)
		return 1
	}
	candidate, err := parseBenchmarkFile(*candidatePath, tracked)
	if err != nil {
		fmt.Fprintf(stderr, "parse candidate: %v\n", err)
		return 1
	}

	results, failures := compare(baseline, candidate, tracked, *threshold)
	fmt.Fprintln(stdout, "benchmark unit baseline candidate delta")
	for _, r := range results {
		fmt.Fprintf(stdout, "%s %s %.3f %.3f %+0.2f%%\n", r.benchmark, r.unit, r.baseline, r.candidate, r.delta*100)
	}
	if len(failures) > 0 {
		fmt.Fprintln(stderr, "performance regression threshold exceeded:")
		for _, f := range failures {
			fmt.Fprintf(stderr, "  - %s\n", f)
		}
		return 1
	}
	return 0
}

// compare walks tracked benchmarks in name order so output is stable.
func compare(baseline, candidate sampleSet, tracked map[string][]string, threshold float64) ([]result, []string) {
	names := make([]string, 0, len(tracked))
	for name := range tracked {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		results  []result
		failures []string
	)
	for _, name := range names {
		for _, unit := range tracked[name] {
			base := baseline[name][unit]
			cand := candidate[name][unit]
			if len(base) == 0 || len(cand) == 0 {
				failures = append(failures, fmt.Sprintf("missing samples for %s %s", name, unit))
				continue
			}
			baseMedian := median(base)
			candMedian := median(cand)
			if baseMedian <= 0 {
				// allocs/op may legitimately be zero; only growth matters then.
				if candMedian > 0 {
					failures = append(failures, fmt.Sprintf("%s %s grew from 0 to %.3f", name, unit, candMedian))
				}
				results = append(results, result{benchmark: name, unit: unit, baseline: baseMedian, candidate: candMedian})
				continue
			}
			delta := (candMedian - baseMedian) / baseMedian
			results = append(results, result{benchmark: name, unit: unit, baseline: baseMedian, candidate: candMedian, delta: delta})
			if delta > threshold {
				failures = append(failures, fmt.Sprintf("%s %s regressed by %+0.2f%% (limit %+0.2f%%)", name, unit, delta*100, threshold*100))
			}
		}
	}
	return results, failures
}

func parseTrack(raw string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, pair := range strings.Split(raw, ",") {
		name, unit, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || !strings.HasPrefix(name, "Benchmark") || unit == "" {
			return nil, fmt.Errorf("invalid entry %q, want BenchmarkName:unit", pair)
		}
		out[name] = append(out[name], unit)
	}
	if len(out) == 0 {
		return nil, errors.New("no benchmarks")
	}
	return out, nil
}

func parseBenchmarkFile(path string, tracked map[string][]string) (sampleSet, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return parseBenchmarks(file, tracked)
}

func parseBenchmarks(r io.Reader, tracked map[string][]string) (sampleSet, error) {
	samples := sampleSet{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "Benchmark") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		name := normalizeBenchmarkName(fields[0])
		if _, ok := tracked[name]; !ok {
			continue
		}
		if _, ok := samples[name]; !ok {
			samples[name] = map[string][]float64{}
		}
		for i := 2; i+1 < len(fields); i += 2 {
			value, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				continue
			}
			samples[name][fields[i+1]] = append(samples[name][fields[i+1]], value)
		}
	}
	return samples, scanner.Err()
}

// normalizeBenchmarkName strips the -GOMAXPROCS suffix.
func normalizeBenchmarkName(raw string) string {
	if idx := strings.LastIndexByte(raw, '-'); idx > 0 {
		if _, err := strconv.Atoi(raw[idx+1:]); err == nil {
			return raw[:idx]
		}
	}
	return raw
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
