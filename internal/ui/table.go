package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	pretty "github.com/jedib0t/go-pretty/v6/table"

	"github.com/BioHazard786/warplink/internal/record"
	"github.com/BioHazard786/warplink/internal/utils"
)

// FileCard renders the file about to be shared.
func FileCard(name string, size int64, mimeType string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Name", "Size", "Type").
		Row(utils.TruncateString(name, 50), utils.FormatSize(size), utils.TruncateString(mimeType, 24)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			return TableRowStyle
		}).
		Render()
}

// ShareInfo is what the sender hands to the receiver.
type ShareInfo struct {
	RecordID   string
	ShareLink  string
	DirectLink string
	OwnerToken string
}

func (s ShareInfo) View() string {
	content := fmt.Sprintf("%s Ready to share\n\n%s Record:  %s\n%s Link:    %s",
		IconSuccess,
		IconFile, BoldStyle.Foreground(Primary).Render(s.RecordID),
		IconWeb, LinkStyle.Render(s.ShareLink),
	)
	if s.DirectLink != "" {
		content += fmt.Sprintf("\n%s Direct:  %s", IconCloud, MutedStyle.Render(s.DirectLink))
	}
	if s.OwnerToken != "" {
		content += "\n\n" + MutedStyle.Render("Delete with: warplink delete "+s.RecordID+" --token "+s.OwnerToken)
	}
	return ShareBoxStyle.Render(content)
}

func (s ShareInfo) Render() {
	fmt.Println(s.View())
}

// RecordTable renders the public fields of a record.
func RecordTable(r record.Record) string {
	t := pretty.NewWriter()
	t.SetStyle(pretty.StyleRounded)
	t.SetTitle("Record " + r.ID)
	t.AppendHeader(pretty.Row{"Field", "Value"})
	t.AppendRow(pretty.Row{"Name", r.Name})
	t.AppendRow(pretty.Row{"Size", utils.FormatSize(r.Size)})
	t.AppendRow(pretty.Row{"Type", r.Type})
	t.AppendRow(pretty.Row{"Created", formatMillis(r.CreatedAt)})
	if r.ExpiresAt > 0 {
		t.AppendRow(pretty.Row{"Expires", formatMillis(r.ExpiresAt)})
	}
	t.AppendRow(pretty.Row{"Downloads", r.DownloadCount})
	t.AppendRow(pretty.Row{"Direct link", orDash(r.DownloadURL)})
	t.AppendRow(pretty.Row{"Peer offer", present(r.Offer)})
	t.AppendRow(pretty.Row{"Peer answer", present(r.Answer)})
	return t.Render()
}

// TransferSummary is shown after a transfer ends.
type TransferSummary struct {
	Status   string
	Path     string
	Name     string
	Size     int64
	Duration time.Duration
	Speed    float64
}

func (s TransferSummary) View() string {
	t := pretty.NewWriter()
	t.SetStyle(pretty.StyleRounded)
	t.SetTitle("Transfer Summary")
	t.AppendHeader(pretty.Row{"Metric", "Value"})
	t.AppendRow(pretty.Row{"Status", s.Status})
	t.AppendRow(pretty.Row{"Path", s.Path})
	t.AppendRow(pretty.Row{"File", s.Name})
	t.AppendRow(pretty.Row{"Size", utils.FormatSize(s.Size)})
	t.AppendRow(pretty.Row{"Duration", utils.FormatDuration(s.Duration)})
	t.AppendRow(pretty.Row{"Avg Speed", utils.FormatSpeed(s.Speed)})
	return t.Render()
}

func (s TransferSummary) Render() {
	fmt.Println(s.View())
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func present(s string) string {
	if s == "" {
		return "no"
	}
	return "yes"
}
