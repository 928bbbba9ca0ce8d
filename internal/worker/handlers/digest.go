package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/slawatch/internal/repository"
	"github.com/nadmax/slawatch/internal/rootcause"
	"github.com/nadmax/slawatch/internal/stats"
	"github.com/nadmax/slawatch/internal/task"
	"github.com/nadmax/slawatch/internal/worker"
	"github.com/rs/zerolog/log"
)

type DigestConfig struct {
	Recipients         []string
	WindowDays         int
	MinDistrictSamples int
	MinCategorySamples int
}

type DigestHandler struct {
	requests repository.RequestStore
	analyzer *rootcause.Analyzer
	mailer   Mailer
	cfg      DigestConfig
	now      func() time.Time
}

func NewDigestHandler(requests repository.RequestStore, analyzer *rootcause.Analyzer, mailer Mailer, cfg DigestConfig) *DigestHandler {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}

	return &DigestHandler{
		requests: requests,
		analyzer: analyzer,
		mailer:   mailer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Handle analyzes the digest window and emails the recommendations with the ranked
// findings attached as CSV.
func (h *DigestHandler) Handle(ctx context.Context, t *task.Task) (string, error) {
	var payload task.DigestPayload
	if err := t.Decode(&payload); err != nil {
		return "", worker.Permanent(err)
	}

	recipients := payload.Recipients
	if len(recipients) == 0 {
		recipients = h.cfg.Recipients
	}
	if len(recipients) == 0 {
		return "", worker.Permanent(errors.New("digest has no recipients"))
	}

	days := h.cfg.WindowDays
	if payload.WindowDays > 0 {
		days = payload.WindowDays
	}
	end := h.now()
	window := rootcause.Window{Start: end.AddDate(0, 0, -days), End: end}

	reqs, err := h.requests.ListRequests(ctx, repository.RequestQuery{
		SubmittedFrom: window.Start,
		SubmittedTo:   window.End,
		District:      payload.District,
		Category:      payload.Category,
	})
	if err != nil {
		return "", err
	}

	report, err := h.analyzer.Analyze(ctx, reqs, stats.NewStore().Fold(reqs), rootcause.Params{
		Window:             window,
		AsOf:               end,
		District:           payload.District,
		Category:           payload.Category,
		MinDistrictSamples: h.cfg.MinDistrictSamples,
		MinCategorySamples: h.cfg.MinCategorySamples,
	})
	if err != nil {
		return "", err
	}

	attachment, err := findingsCSV(report)
	if err != nil {
		return "", worker.Permanent(err)
	}

	msg := Message{
		To:      recipients,
		Subject: digestSubject(report),
		Text:    digestText(report),
		Attachments: []Attachment{{
			Filename:    "root_cause_" + window.End.Format("20060102") + ".csv",
			ContentType: "text/csv",
			Content:     attachment,
		}},
	}
	if err := h.mailer.Send(ctx, msg); err != nil {
		return "", err
	}

	log.Info().
		Str("job_id", t.ID).
		Int("recipients", len(recipients)).
		Int("recommendations", len(report.Recommendations)).
		Str("requested_by", payload.RequestedBy).
		Msg("root cause digest sent")

	return fmt.Sprintf("sent to %d recipients", len(recipients)), nil
}

func digestSubject(r *rootcause.Report) string {
	return fmt.Sprintf("SLA root cause digest %s to %s", r.Window.Start.Format("2006-01-02"), r.Window.End.Format("2006-01-02"))
}

func digestText(r *rootcause.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Requests analyzed: %d (%d closed, %d breached)\n", r.TotalRequests, r.ClosedRequests, r.BreachedRequests)
	fmt.Fprintf(&b, "SLA compliance: %.1f%%\n", r.SLACompliance)
	fmt.Fprintf(&b, "Average turnaround: %.1f hours\n", r.AverageTATHours)
	fmt.Fprintf(&b, "Delay trend: %s (%+.1f points)\n\n", r.Trend.Direction, r.Trend.RateChange)

	if len(r.PrimaryCauses) > 0 {
		b.WriteString("Primary causes:\n")
		for _, c := range r.PrimaryCauses {
			fmt.Fprintf(&b, "- %s: %.1f%% impact, %d services\n", c.Cause, c.ImpactPercentage, c.AffectedServices)
		}
		b.WriteString("\n")
	}

	if len(r.Recommendations) == 0 {
		b.WriteString("No recommendations for this window.\n")
		return b.String()
	}

	b.WriteString("Recommendations:\n")
	for i, rec := range r.Recommendations {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, strings.ToUpper(string(rec.Severity)), rec.Text)
	}

	return b.String()
}

func findingsCSV(r *rootcause.Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{{"dimension", "rank", "name", "score", "severity", "sample_size"}}
	for _, list := range [][]rootcause.Finding{r.StageBottlenecks, r.DistrictHotspots, r.CategoryTrends} {
		for _, f := range list {
			rows = append(rows, []string{
				string(f.Dimension),
				strconv.Itoa(f.Rank),
				f.Name,
				strconv.FormatFloat(f.Score, 'f', 4, 64),
				string(f.Severity),
				strconv.Itoa(f.SampleSize),
			})
		}
	}

	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("failed to write CSV: %w", err)
	}

	return buf.Bytes(), nil
}
