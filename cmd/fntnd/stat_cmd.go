package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/faasten/faasten/internal/statlog"
)

// StatCmd prints a worker's stat timeline as a table, one row
// per recorded event.
type StatCmd struct {
	Tail int `default:"50" help:"show only the last N records (0 for all)"`
}

func (c *StatCmd) Run(cctx *Context) error {
	f, err := os.Open(cctx.Cfg.StatPath)
	if err != nil {
		return fmt.Errorf("fntnd stat: %w", err)
	}
	defer f.Close()

	var records []statlog.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r statlog.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("fntnd stat: read timeline: %w", err)
	}

	if c.Tail > 0 && len(records) > c.Tail {
		records = records[len(records)-c.Tail:]
	}

	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tFUNCTION\tCOUNTER\t")
	for _, r := range records {
		counter := counterFor(r)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n",
			time.Unix(0, r.Timestamp).Format(time.RFC3339), r.Kind, truncate(r.FunctionKey, width/4), counter)
	}
	return tw.Flush()
}

func counterFor(r statlog.Record) string {
	switch r.Kind {
	case "boot":
		return fmt.Sprintf("vms_created=%d", r.VMsCreated)
	case "eviction":
		return fmt.Sprintf("evictions=%d", r.Evictions)
	case "completion":
		latency := time.Duration(r.ResponseTimestamp - r.RequestTimestamp)
		return fmt.Sprintf("requests_completed=%d latency=%s", r.RequestsCompleted, latency)
	case "request_dropped":
		return fmt.Sprintf("requests_dropped=%d", r.RequestsDropped)
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
