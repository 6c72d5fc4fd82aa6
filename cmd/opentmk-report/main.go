// Command opentmk-report is a hosted, non-bare-metal viewer for the JSON
// log stream internal/tmk/logsink produces. It reads records from stdin
// (the serial console captured during a real or virtualized run)
// and renders a pass/fail summary, grounded on the teacher's
// progress-reporting style in internal/oci/client.go
// (schollz/progressbar driving a download progress bar) and its terminal
// handling in internal/term/terminal.go (charmbracelet/x/ansi).
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const (
	colorGreen = "\x1b[32m"
	colorRed   = "\x1b[31m"
	colorReset = "\x1b[0m"
)

type record struct {
	Type            string `json:"type"`
	Level           string `json:"level"`
	Message         string `json:"message"`
	Line            string `json:"line"`
	AssertionResult bool   `json:"assertion_result"`
}

// Summary is the structured result opentmk-report can emit as YAML via
// --format=yaml, alongside its default colorized terminal report.
type Summary struct {
	Total    int      `yaml:"total_assertions"`
	Passed   int      `yaml:"passed"`
	Failed   int      `yaml:"failed"`
	Failures []string `yaml:"failures,omitempty"`
}

func main() {
	format := "text"
	for _, arg := range os.Args[1:] {
		if arg == "--format=yaml" {
			format = "yaml"
		}
	}

	summary, err := run(os.Stdin, os.Stdout, format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opentmk-report: %v\n", err)
		os.Exit(1)
	}
	if summary.Failed > 0 {
		os.Exit(1)
	}
}

func run(in io.Reader, out io.Writer, format string) (Summary, error) {
	colorize := term.IsTerminal(int(os.Stdout.Fd()))

	scanner := bufio.NewScanner(in)
	var bar *progressbar.ProgressBar
	if colorize {
		bar = progressbar.Default(-1, "processing log")
	}

	var summary Summary
	for scanner.Scan() {
		if bar != nil {
			_ = bar.Add(1)
		}
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // non-JSON lines (firmware chatter) are passed over silently
		}
		if rec.Type != "assertion" {
			continue
		}
		summary.Total++
		if rec.AssertionResult {
			summary.Passed++
		} else {
			summary.Failed++
			summary.Failures = append(summary.Failures, fmt.Sprintf("%s (%s)", rec.Message, rec.Line))
		}
		writeLine(out, rec, colorize)
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("opentmk-report: read log stream: %w", err)
	}

	if format == "yaml" {
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		if err := enc.Encode(summary); err != nil {
			return summary, fmt.Errorf("opentmk-report: encode summary: %w", err)
		}
		return summary, nil
	}

	fmt.Fprintf(out, "\n%d assertions: %d passed, %d failed\n", summary.Total, summary.Passed, summary.Failed)
	return summary, nil
}

func writeLine(out io.Writer, rec record, colorize bool) {
	line := fmt.Sprintf("[%s] %s", rec.Line, rec.Message)
	if rec.AssertionResult {
		line = colorGreen + "PASS " + line + colorReset
	} else {
		line = colorRed + "FAIL " + line + colorReset
	}
	if !colorize {
		line = ansi.Strip(line)
	}
	fmt.Fprintln(out, line)
}
