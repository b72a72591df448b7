package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"neurotrace/internal/engine"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true)

	faultStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

// presentReport prints the run outcome: status, captured context and,
// when available, the rendered analysis.
func presentReport(r *engine.RunReport) {
	fmt.Println()
	fmt.Println(headerStyle.Render("NeuroTrace Report"))
	fmt.Printf("Session:  %s\n", r.ID)
	fmt.Printf("Script:   %s\n", r.Script)
	fmt.Printf("Duration: %s\n", r.Duration.Round(1e6))

	if !r.Faulted() {
		fmt.Println("Status:   " + okStyle.Render(r.Status))
		return
	}

	fmt.Println("Status:   " + faultStyle.Render(r.Status))
	fmt.Println("Fault:    " + faultStyle.Render(r.Fault))

	if len(r.Stack) > 0 {
		fmt.Println("\nCall stack (innermost last):")
		for _, f := range r.Stack {
			if f.IsElision() {
				fmt.Println("  " + dimStyle.Render(f.Function))
				continue
			}
			fmt.Printf("  %s %s\n", f.Function, dimStyle.Render(fmt.Sprintf("%s:%d", f.File, f.Line)))
		}
	}

	if len(r.Logs) > 0 {
		fmt.Println("\nRecent output:")
		for _, rec := range r.Logs {
			fmt.Printf("  %s %s\n", dimStyle.Render("["+rec.Level.String()+"]"), rec.Message)
		}
	}

	fmt.Println()
	if r.Analysis != "" {
		fmt.Println(headerStyle.Render("AI Analysis"))
		fmt.Println(renderMarkdown(r.Analysis))
		return
	}
	fmt.Println(dimStyle.Render(r.AnalysisNote))
}

// renderMarkdown renders the model's markdown answer for the terminal,
// falling back to the raw text when rendering is unavailable.
func renderMarkdown(text string) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return text
	}
	out, err := renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}
