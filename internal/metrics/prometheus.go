package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Export renders the collected counters in the Prometheus text format.
func (c *Collector) Export() string {
	s := c.snapshot()
	var b strings.Builder

	b.WriteString("# HELP creditd_http_requests_total HTTP requests by route.\n")
	b.WriteString("# TYPE creditd_http_requests_total counter\n")
	writeLabeled(&b, "creditd_http_requests_total", "route", s.requests)

	b.WriteString("# HELP creditd_http_errors_total HTTP 5xx responses by route.\n")
	b.WriteString("# TYPE creditd_http_errors_total counter\n")
	writeLabeled(&b, "creditd_http_errors_total", "route", s.errors)

	b.WriteString("# HELP creditd_deductions_total Priced usage events recorded.\n")
	b.WriteString("# TYPE creditd_deductions_total counter\n")
	fmt.Fprintf(&b, "creditd_deductions_total %d\n", s.deductions)

	b.WriteString("# HELP creditd_prompt_tokens_total Prompt tokens across all usage.\n")
	b.WriteString("# TYPE creditd_prompt_tokens_total counter\n")
	fmt.Fprintf(&b, "creditd_prompt_tokens_total %d\n", s.totalPromptTokens)

	b.WriteString("# HELP creditd_completion_tokens_total Completion tokens across all usage.\n")
	b.WriteString("# TYPE creditd_completion_tokens_total counter\n")
	fmt.Fprintf(&b, "creditd_completion_tokens_total %d\n", s.totalCompletionTokens)

	b.WriteString("# HELP creditd_tokens_by_model_total Combined tokens by model.\n")
	b.WriteString("# TYPE creditd_tokens_by_model_total counter\n")
	writeLabeled(&b, "creditd_tokens_by_model_total", "model", s.tokensByModel)

	b.WriteString("# HELP creditd_resets_completed_total Reset runs that completed.\n")
	b.WriteString("# TYPE creditd_resets_completed_total counter\n")
	fmt.Fprintf(&b, "creditd_resets_completed_total %d\n", s.resetsCompleted)

	b.WriteString("# HELP creditd_resets_failed_total Reset runs that failed.\n")
	b.WriteString("# TYPE creditd_resets_failed_total counter\n")
	fmt.Fprintf(&b, "creditd_resets_failed_total %d\n", s.resetsFailed)

	return b.String()
}

// Handler serves the exported metrics over HTTP.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(c.Export()))
	}
}

func writeLabeled(b *strings.Builder, name, label string, values map[string]int64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}
