package stats

import (
	"bytes"
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// Query outcomes.
const (
	OutcomeFound  = "found"
	OutcomeEmpty  = "empty"
	OutcomeFailed = "failed"
	OutcomeLate   = "late"
)

// Stats holds the counters of one run. It is safe for concurrent use.
type Stats struct {
	set *metrics.Set
}

func New() *Stats {
	return &Stats{set: metrics.NewSet()}
}

func (s *Stats) counter(name, program, pass, label, value string) *metrics.Counter {
	return s.set.GetOrCreateCounter(fmt.Sprintf(`%s{program=%q,pass=%q,%s=%q}`, name, program, pass, label, value))
}

// Query counts one settled query of a pass.
func (s *Stats) Query(program, pass, outcome string) {
	s.counter("ido_queries_total", program, pass, "outcome", outcome).Inc()
}

// QueriesN adds n queries with the same outcome.
func (s *Stats) QueriesN(program, pass, outcome string, n int) {
	if n > 0 {
		s.counter("ido_queries_total", program, pass, "outcome", outcome).Add(n)
	}
}

// Records counts ingested records by aggregation outcome (added, duplicate, ...).
func (s *Stats) Records(program, pass, outcome string, n int) {
	if n > 0 {
		s.counter("ido_records_total", program, pass, "outcome", outcome).Add(n)
	}
}

// Rejected counts records the ledger collaborator refused as malformed.
func (s *Stats) Rejected(program, pass string, n int) {
	if n > 0 {
		s.set.GetOrCreateCounter(fmt.Sprintf(`ido_rejected_records_total{program=%q,pass=%q}`, program, pass)).Add(n)
	}
}

// Participants records the size of a pass's participant set.
func (s *Stats) Participants(program, pass string, n int) {
	s.set.GetOrCreateGauge(fmt.Sprintf(`ido_participants{program=%q,pass=%q}`, program, pass), nil).Set(float64(n))
}

// QueryCount returns the current value of a query counter.
func (s *Stats) QueryCount(program, pass, outcome string) uint64 {
	return s.counter("ido_queries_total", program, pass, "outcome", outcome).Get()
}

// RecordCount returns the current value of a record counter.
func (s *Stats) RecordCount(program, pass, outcome string) uint64 {
	return s.counter("ido_records_total", program, pass, "outcome", outcome).Get()
}

// Prometheus renders every counter in the Prometheus text format.
func (s *Stats) Prometheus() []byte {
	var buf bytes.Buffer
	s.set.WritePrometheus(&buf)
	return buf.Bytes()
}
