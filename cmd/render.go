package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/worker"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderSummary(w io.Writer, s worker.Summary) {
	t := newTable(w)
	t.SetTitle("Job " + s.JobID)
	t.AppendHeader(table.Row{"Source", "Status", "Pages", "Enqueued", "Crawled", "New", "Updated", "Unchanged", "Files", "Errors"})
	status := string(s.Status)
	if s.Stopped {
		status += " (stopped)"
	}
	t.AppendRow(table.Row{
		s.SourceID, status, s.PagesVisited, s.Enqueued, s.ItemsCrawled,
		s.ItemsNew, s.Updated, s.Unchanged, s.Files, len(s.Errors),
	})
	t.Render()

	if len(s.Errors) == 0 {
		return
	}
	errs := newTable(w)
	errs.SetTitle("Page errors")
	errs.AppendHeader(table.Row{"URL", "Kind", "Message"})
	for _, pe := range s.Errors {
		errs.AppendRow(table.Row{pe.URL, pe.Kind, pe.Message})
	}
	errs.Render()
}

func renderVersions(w io.Writer, versions []crawler.DocumentVersion) {
	if len(versions) == 0 {
		fmt.Fprintln(w, "no versions found")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Version", "Change", "Title", "URL", "Hash", "First seen", "Last seen", "Score", "Review", "Current"})
	for _, v := range versions {
		score := "-"
		if v.SignificanceScore != nil {
			score = fmt.Sprintf("%.2f", *v.SignificanceScore)
		}
		t.AppendRow(table.Row{
			v.VersionNumber, v.ChangeType, v.Title, v.URL, v.HashPrefix(),
			v.FirstSeenAt.Format(time.RFC3339), v.LastSeenAt.Format(time.RFC3339),
			score, v.NeedsReview, v.IsCurrent,
		})
	}
	t.Render()
}

func renderSources(w io.Writer, sources []crawler.Source) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Name", "Start URL", "Mode", "Max Depth", "Max Pages", "Active"})
	for _, src := range sources {
		t.AppendRow(table.Row{src.ID, src.Name, src.StartURL, src.Mode, src.MaxDepth, src.MaxPages, src.Active})
	}
	t.Render()
}
