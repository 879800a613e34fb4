package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func describeLabels(t *testing.T, c prometheus.Collector) []string {
	t.Helper()

	descCh := make(chan *prometheus.Desc, 8)
	c.Describe(descCh)
	close(descCh)

	var desc *prometheus.Desc
	for d := range descCh {
		desc = d
		break
	}
	if desc == nil {
		t.Fatalf("no descriptor returned")
	}

	s := desc.String()
	start := strings.Index(s, "variableLabels: {")
	if start < 0 {
		return nil
	}
	start += len("variableLabels: {")
	end := strings.Index(s[start:], "}")
	if end < 0 {
		t.Fatalf("failed to parse descriptor: %s", s)
	}
	raw := strings.TrimSpace(s[start : start+end])
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func assertLabelsEqual(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("labels mismatch\ngot:  %v\nwant: %v", got, want)
	}
}

func TestPrometheusLabelSchema_LowCardinality(t *testing.T) {
	assertLabelsEqual(t, describeLabels(t, EngineRuns), []string{"outcome"})
	assertLabelsEqual(t, describeLabels(t, PhaseLatency), []string{"phase"})
	assertLabelsEqual(t, describeLabels(t, SelectedSummaries), []string{"strategy"})
	assertLabelsEqual(t, describeLabels(t, TaskQueueDepth), []string{"limiter"})
	assertLabelsEqual(t, describeLabels(t, EmbeddingCacheRequests), []string{"tier", "result"})
	assertLabelsEqual(t, describeLabels(t, EmbeddingRequests), []string{"model", "status"})
	assertLabelsEqual(t, describeLabels(t, BreakerState), []string{"backend"})
	assertLabelsEqual(t, describeLabels(t, DependencyUp), []string{"dependency"})
	assertLabelsEqual(t, describeLabels(t, HTTPRequests), []string{"route", "status"})
	assertLabelsEqual(t, describeLabels(t, HTTPLatency), []string{"route"})
}

func TestPrometheusLabelSchema_Unlabelled(t *testing.T) {
	assertLabelsEqual(t, describeLabels(t, SummariesCreated), nil)
	assertLabelsEqual(t, describeLabels(t, OrphanedSummaries), nil)
	assertLabelsEqual(t, describeLabels(t, RoomsThrottled), nil)
}
