package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"tessera/internal/config"
)

var titleCaser = cases.Title(language.English)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		t.SetStyle(table.StyleRounded)
	} else {
		t.SetStyle(table.StyleLight)
	}
	return t
}

func renderStatsTable(w io.Writer, health *healthView) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Metric", "Count"})
	t.AppendRows([]table.Row{
		{"Total", health.Jobs.Total},
		{"Active", health.Jobs.Active},
		{"Succeeded", health.Jobs.Succeeded},
		{"Failed", health.Jobs.Failed},
		{"Timeout", health.Jobs.Timeout},
		{"Cancelled", health.Jobs.Cancelled},
	})
	t.Render()
}

func renderJobsTable(w io.Writer, items []jobView) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Source", "Formats", "Status", "Progress", "Retries", "Updated"})
	for _, job := range items {
		t.AppendRow(table.Row{
			job.ID,
			job.SourceFileID,
			joinFormats(job.OutputFormats),
			titleCaser.String(job.Status),
			fmt.Sprintf("%.0f%%", job.Progress),
			fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries),
			job.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	t.Render()
}

func renderJobDetail(w io.Writer, job *jobView) {
	t := newTable(w)
	t.AppendRows([]table.Row{
		{"ID", job.ID},
		{"Internal ID", job.InternalID},
		{"Remote job", emptyDash(job.RemoteJobID)},
		{"Source", job.SourceFileID},
		{"Source URN", job.SourceURN},
		{"Formats", joinFormats(job.OutputFormats)},
		{"Priority", titleCaser.String(job.Priority)},
		{"Status", titleCaser.String(job.Status)},
		{"Progress", fmt.Sprintf("%.0f%%", job.Progress)},
		{"Retries", fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries)},
		{"Created", job.CreatedAt.Local().Format(time.DateTime)},
	})
	if job.QualityLevel != "" {
		t.AppendRow(table.Row{"Quality", titleCaser.String(job.QualityLevel)})
	}
	if job.ProgressMessage != "" {
		t.AppendRow(table.Row{"Message", job.ProgressMessage})
	}
	if job.ErrorMessage != "" {
		t.AppendRow(table.Row{"Error", job.ErrorMessage})
	}
	if job.StartedAt != nil {
		t.AppendRow(table.Row{"Started", job.StartedAt.Local().Format(time.DateTime)})
	}
	if job.CompletedAt != nil {
		t.AppendRow(table.Row{"Completed", job.CompletedAt.Local().Format(time.DateTime)})
	}
	for _, warning := range job.Warnings {
		t.AppendRow(table.Row{"Warning", warning})
	}
	for format, urns := range job.OutputURNs {
		for _, urn := range urns {
			t.AppendRow(table.Row{"Output (" + format + ")", urn})
		}
	}
	t.Render()
}

func renderConfigTable(w io.Writer, cfg *config.Config) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Setting", "Value"})
	t.AppendRows([]table.Row{
		{"paths.data_dir", cfg.Paths.DataDir},
		{"paths.log_dir", cfg.Paths.LogDir},
		{"paths.api_bind", cfg.Paths.APIBind},
		{"derivative.base_url", cfg.Derivative.BaseURL},
		{"derivative.region", cfg.Derivative.Region},
		{"workflow.poll_interval", cfg.Workflow.PollInterval},
		{"workflow.default_timeout", cfg.Workflow.DefaultTimeout},
		{"workflow.max_retries", cfg.Workflow.MaxRetries},
		{"workflow.retention_days", cfg.Workflow.RetentionDays},
		{"notifications.ntfy_topic", emptyDash(cfg.Notifications.NtfyTopic)},
		{"logging.format", cfg.Logging.Format},
		{"logging.level", cfg.Logging.Level},
	})
	t.Render()
}

func emptyDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
