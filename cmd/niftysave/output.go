package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/bft-labs/niftysave/internal/app"
	"github.com/bft-labs/niftysave/internal/domain"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// printer renders command results in the format chosen with --output.
type printer struct {
	w      io.Writer
	format string
}

func (p printer) validate() error {
	switch p.format {
	case outputText, outputJSON, outputYAML:
		return nil
	}
	return fmt.Errorf("%w: unknown output format %q", domain.ErrInvalidConfig, p.format)
}

// print writes v as JSON or YAML, or calls text for the text format.
func (p printer) print(v any, text func(io.Writer)) error {
	switch p.format {
	case outputJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(p.w)
		return nil
	}
}

func (p printer) fill(r app.FillResult) error {
	return p.print(r, func(w io.Writer) {
		if r.Slices == 0 {
			fmt.Fprintln(w, "nothing to fill")
			return
		}
		fmt.Fprintf(w, "enqueued %s slices covering %s to %s\n",
			humanize.Comma(int64(r.Slices)), r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	})
}

// batchView replaces the error values of a BatchResult with their messages.
type batchView struct {
	Kind           domain.CommandKind `json:"kind" yaml:"kind"`
	Received       int                `json:"received" yaml:"received"`
	Succeeded      int                `json:"succeeded" yaml:"succeeded"`
	Failed         int                `json:"failed" yaml:"failed"`
	RecordsWritten int                `json:"records_written" yaml:"records_written"`
	Enqueued       int                `json:"enqueued" yaml:"enqueued"`
	Errors         []string           `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func (p printer) batch(r app.BatchResult) error {
	v := batchView{
		Kind:           r.Kind,
		Received:       r.Received,
		Succeeded:      r.Succeeded,
		Failed:         r.Failed,
		RecordsWritten: r.RecordsWritten,
		Enqueued:       r.Enqueued,
	}
	for _, err := range r.Errors {
		v.Errors = append(v.Errors, err.Error())
	}
	return p.print(v, func(w io.Writer) {
		fmt.Fprintf(w, "%s: received %s, succeeded %s, failed %s, enqueued %s, records written %s\n",
			v.Kind,
			humanize.Comma(int64(v.Received)),
			humanize.Comma(int64(v.Succeeded)),
			humanize.Comma(int64(v.Failed)),
			humanize.Comma(int64(v.Enqueued)),
			humanize.Comma(int64(v.RecordsWritten)))
		for _, e := range v.Errors {
			fmt.Fprintf(w, "  error: %s\n", e)
		}
	})
}

func (p printer) sweep(r app.SweepResult) error {
	return p.print(r, func(w io.Writer) {
		fmt.Fprintf(w, "scanned %s commands, purged %s, pruned %s dedup keys\n",
			humanize.Comma(int64(r.Scanned)), humanize.Comma(int64(len(r.Purged))), humanize.Comma(int64(r.DedupPruned)))
		for _, dl := range r.Purged {
			fmt.Fprintf(w, "  %s %s attempt %d: %s\n", dl.Kind, dl.Slice, dl.Attempt, dl.Reason)
		}
	})
}

func (p printer) health(r app.HealthReport) error {
	return p.print(r, func(w io.Writer) {
		status := "healthy"
		if !r.Healthy {
			status = "UNHEALTHY"
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "status\t%s\n", status)
		fmt.Fprintf(tw, "queue depth\t%s (fan-out %s, execute %s, in flight %s)\n",
			humanize.Comma(int64(r.QueueDepth)), humanize.Comma(int64(r.FanOutDepth)),
			humanize.Comma(int64(r.ExecuteDepth)), humanize.Comma(int64(r.InFlight)))
		fmt.Fprintf(tw, "oldest unacked\t%s\n", ago(r.GeneratedAt, r.OldestUnacked))
		fmt.Fprintf(tw, "cursor\t%s (%s)\n", r.CursorPosition.Format(time.RFC3339), ago(r.GeneratedAt, r.CursorLag))
		fmt.Fprintf(tw, "recent failures\t%s\n", humanize.Comma(int64(r.RecentFailures)))
		tw.Flush()
		for _, reason := range r.Reasons {
			fmt.Fprintf(w, "  - %s\n", reason)
		}
	})
}

func (p printer) deadLetters(dls []domain.DeadLetter) error {
	if dls == nil {
		dls = []domain.DeadLetter{}
	}
	return p.print(dls, func(w io.Writer) {
		if len(dls) == 0 {
			fmt.Fprintln(w, "no dead letters")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PURGED\tKIND\tSLICE\tATTEMPT\tREASON\tLAST ERROR")
		for _, dl := range dls {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				humanize.Time(dl.PurgedAt), dl.Kind, dl.Slice, dl.Attempt, dl.Reason, oneLine(dl.LastError))
		}
		tw.Flush()
	})
}

// ago renders a lag relative to now, e.g. "3 minutes ago".
func ago(now time.Time, lag time.Duration) string {
	if lag <= 0 {
		return "none"
	}
	return humanize.RelTime(now.Add(-lag), now, "ago", "from now")
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
