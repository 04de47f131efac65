package main

import (
	"fmt"
	"os"
)

// All human-facing progress goes to stderr. stdout is reserved for values a
// calling process consumes: run IDs, content IDs, JSON reports.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// statusLabelWidth fits the widest detail-view label ("unresolved",
// "first seen") plus its colon, so run, catalog, and evidence detail views
// line up as a table.
const statusLabelWidth = 11

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printMarked(color, mark, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printMarked(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { printMarked(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printMarked(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { printMarked(colorCyan, "→", format, args...) }

// printStatus prints one aligned label/value row of a detail view.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", statusLabel(label), fmt.Sprintf(format, args...))
}

func statusLabel(label string) string {
	return colorize(colorBold, fmt.Sprintf("%-*s", statusLabelWidth, label+":"))
}
