package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/flowdriver/internal/bench"
	"github.com/flowdriver/pkg/protocol"
)

type responseJSON struct {
	Status  int               `json:"status"`
	Headers []protocol.Header `json:"headers,omitempty"`
	Body    string            `json:"body"`
	Error   string            `json:"error,omitempty"`
	Timings map[string]string `json:"timings"`
	Sent    int64             `json:"bytes_sent"`
	Recv    int64             `json:"bytes_received"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func timings(m protocol.Metrics) [][2]string {
	var out [][2]string
	add := func(name string, d time.Duration) {
		if d > 0 {
			out = append(out, [2]string{name, d.Round(time.Microsecond).String()})
		}
	}
	add("dns", m.DNS)
	add("connect", m.Connect)
	add("tls", m.TLS)
	add("first_byte", m.FirstByte)
	add("total", m.Total)
	return out
}

func printResponse(w io.Writer, resp *protocol.Response, asJSON bool) error {
	if asJSON {
		out := responseJSON{
			Status:  resp.StatusCode,
			Headers: resp.Headers,
			Body:    string(resp.Body),
			Error:   resp.Error,
			Timings: map[string]string{},
			Sent:    resp.Metrics.BytesSent,
			Recv:    resp.Metrics.BytesReceived,
		}
		for _, t := range timings(resp.Metrics) {
			out.Timings[t[0]] = t[1]
		}
		return writeJSON(w, out)
	}

	status := fmt.Sprintf("%d", resp.StatusCode)
	if text := statusText(resp.StatusCode); text != "" {
		status += " " + text
	}
	fmt.Fprintln(w, statusStyle(resp.StatusCode).Render(status))
	if resp.Error != "" {
		fmt.Fprintln(w, warningStyle().Render(resp.Error))
	}
	for _, h := range resp.Headers {
		fmt.Fprintf(w, "%s %s\n", labelStyle().Render(h.Name+":"), h.Value)
	}
	if len(resp.Body) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.TrimRight(string(resp.Body), "\n"))
	}

	var parts []string
	for _, t := range timings(resp.Metrics) {
		parts = append(parts, t[0]+"="+t[1])
	}
	parts = append(parts, fmt.Sprintf("sent=%dB", resp.Metrics.BytesSent), fmt.Sprintf("received=%dB", resp.Metrics.BytesReceived))
	fmt.Fprintln(w)
	fmt.Fprintln(w, dimStyle().Render(strings.Join(parts, "  ")))
	return nil
}

// statusText names HTTP status codes. gRPC codes travel in the same
// field and are left unnamed.
func statusText(code int) string {
	if code < 100 {
		return ""
	}
	return http.StatusText(code)
}

func printEvent(w io.Writer, ev protocol.Event, asJSON bool) error {
	if asJSON {
		out := map[string]any{"time": ev.Time.Format(time.RFC3339Nano)}
		switch ev.Type {
		case protocol.EventMessage:
			out["message"] = string(ev.Data)
		case protocol.EventError:
			out["error"] = ev.Err.Error()
		case protocol.EventStatus:
			out["status"] = ev.Status.String()
		}
		return writeJSON(w, out)
	}

	ts := dimStyle().Render(ev.Time.Format("15:04:05.000"))
	switch ev.Type {
	case protocol.EventMessage:
		fmt.Fprintf(w, "%s %s %s\n", ts, accentStyle().Render("←"), string(ev.Data))
	case protocol.EventError:
		fmt.Fprintf(w, "%s %s\n", ts, errorStyle().Render("✗ "+ev.Err.Error()))
	case protocol.EventStatus:
		fmt.Fprintf(w, "%s %s\n", ts, labelStyle().Render("● "+ev.Status.String()))
	}
	return nil
}

func printStats(w io.Writer, s *bench.Stats, asJSON bool) error {
	if asJSON {
		return writeJSON(w, s)
	}

	row := func(label, value string) string {
		return fmt.Sprintf("%s %s", labelStyle().Render(fmt.Sprintf("%-14s", label)), valueStyle().Render(value))
	}
	dur := func(d time.Duration) string { return d.Round(time.Microsecond).String() }

	lines := []string{
		titleStyle().Render("Benchmark Results"),
		"",
		row("Requests", fmt.Sprintf("%d", s.TotalRequests)),
		row("Successful", successStyle().Render(fmt.Sprintf("%d", s.SuccessfulRequests))),
		row("Failed", fmt.Sprintf("%d", s.FailedRequests)),
		row("Throughput", fmt.Sprintf("%.2f req/s", s.RequestsPerSecond)),
		row("Duration", dur(s.EndTime.Sub(s.StartTime))),
		row("Received", fmt.Sprintf("%d bytes", s.BytesReceived)),
		"",
		row("Latency min", dur(s.Latency.Min)),
		row("Latency mean", dur(s.Latency.Mean)),
		row("Latency p50", dur(s.Latency.P50)),
		row("Latency p90", dur(s.Latency.P90)),
		row("Latency p95", dur(s.Latency.P95)),
		row("Latency p99", dur(s.Latency.P99)),
		row("Latency max", dur(s.Latency.Max)),
	}

	if len(s.Errors) > 0 {
		kinds := make([]string, 0, len(s.Errors))
		for k := range s.Errors {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		lines = append(lines, "", warningStyle().Render("Failures"))
		for _, k := range kinds {
			lines = append(lines, row("  "+k, fmt.Sprintf("%d", s.Errors[k])))
		}
	}

	fmt.Fprintln(w, boxStyle().Render(strings.Join(lines, "\n")))
	return nil
}
