package cmd

import (
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// renderJobs writes jobs as a table. An empty list still prints the header.
func renderJobs(w io.Writer, jobs []importer.Job) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Job", "Owner", "Kind", "Status", "Progress", "Created", "Detail"})
	for _, job := range jobs {
		tw.AppendRow(table.Row{
			job.ID,
			job.OwnerID,
			string(job.SourceKind),
			string(job.Status),
			strconv.Itoa(job.ProgressPercent) + "%",
			job.CreatedAt.UTC().Format(time.RFC3339),
			detail(job),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 7, WidthMax: 60},
	})
	tw.Render()
}

func detail(job importer.Job) string {
	switch {
	case job.ErrorCode != "":
		return string(job.ErrorCode) + ": " + job.ErrorMessage
	case job.ResultRecipeID != "":
		return "recipe " + job.ResultRecipeID
	default:
		return job.StatusMessage
	}
}
