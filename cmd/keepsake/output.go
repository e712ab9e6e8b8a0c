package main

import (
	"fmt"
	"os"
)

// ANSI styling for terminal feedback. Every helper writes to stderr so
// command output on stdout stays pipeable.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// notify prints a one-line prefixed message to stderr.
func notify(color, prefix, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, prefix+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notify(colorGreen, "✓", format, args...) }

func printError(format string, args ...any) { notify(colorRed, "✗", format, args...) }

func printWarning(format string, args ...any) { notify(colorYellow, "⚠", format, args...) }

func printStep(format string, args ...any) { notify(colorCyan, "→", format, args...) }

// printStatus prints an aligned label/value pair, as used by show and stats.
func printStatus(label, format string, args ...any) {
	l := colorize(colorBold, fmt.Sprintf("%-10s", label+":"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, fmt.Sprintf(format, args...))
}
