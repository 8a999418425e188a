package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// writeJSON prints v as indented JSON for --json consumers.
func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// tableColumn describes one rendered column. Numeric columns right-align so
// counts and percentages line up.
type tableColumn struct {
	title   string
	numeric bool
}

func renderTable(columns []tableColumn, rows [][]string) string {
	if len(columns) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.Style().Format.Header = text.FormatDefault

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, len(columns))
	for i, column := range columns {
		header[i] = column.title
		align := text.AlignLeft
		if column.numeric {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		cells := make(table.Row, len(columns))
		for i := range columns {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			if cell == "" {
				cell = "-"
			}
			cells[i] = cell
		}
		tw.AppendRow(cells)
	}
	return tw.Render()
}

// healthLevel classifies one line of the status summary.
type healthLevel int

const (
	levelInfo healthLevel = iota
	levelOK
	levelWarn
	levelError
)

const (
	ansiReset  = "\x1b[0m"
	ansiBold   = "\x1b[1m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

func (l healthLevel) badge() string {
	switch l {
	case levelOK:
		return "OK"
	case levelWarn:
		return "WARN"
	case levelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l healthLevel) color() string {
	switch l {
	case levelOK:
		return ansiGreen
	case levelWarn:
		return ansiYellow
	case levelError:
		return ansiRed
	default:
		return ""
	}
}

// statusLine renders one "label  [BADGE] detail" row of the status summary.
func statusLine(label string, level healthLevel, detail string, color bool) string {
	badge := "[" + renderBadge(level, color) + "]"
	return fmt.Sprintf("  %-14s %s %s", label, badge, detail)
}

func renderBadge(level healthLevel, color bool) string {
	badge := level.badge()
	if color {
		if c := level.color(); c != "" {
			return c + badge + ansiReset
		}
	}
	return badge
}

// heading renders a bold, underlined section title.
func heading(title string, color bool) string {
	title = strings.TrimSpace(title)
	rule := strings.Repeat("=", len(title))
	if color {
		title = ansiBold + title + ansiReset
	}
	return title + "\n" + rule
}

// useColor enables ANSI output only on a real terminal, honoring NO_COLOR.
func useColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())
}
