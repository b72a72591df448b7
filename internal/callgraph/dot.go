package callgraph

import (
	"fmt"
	"strings"
)

// Theme controls the visual styling of the DOT encoding.
type Theme struct {
	Name       string
	NodeColor  string
	EdgeColor  string
	Background string
	FontColor  string
	FontName   string
	FaultFill  string
}

var themes = map[string]Theme{
	"default": {
		Name:       "default",
		NodeColor:  "#2B2B2B",
		EdgeColor:  "#4A4A4A",
		Background: "white",
		FontColor:  "black",
		FontName:   "Arial",
		FaultFill:  "#ffcccc",
	},
	"light": {
		Name:       "light",
		NodeColor:  "#6B9080",
		EdgeColor:  "#A4C3B2",
		Background: "#F6FFF8",
		FontColor:  "black",
		FontName:   "Arial",
		FaultFill:  "#ffcccc",
	},
	"dark": {
		Name:       "dark",
		NodeColor:  "#BB86FC",
		EdgeColor:  "#03DAC6",
		Background: "#121212",
		FontColor:  "white",
		FontName:   "Consolas",
		FaultFill:  "#cf6679",
	},
}

// ThemeByName resolves a theme, falling back to the default.
func ThemeByName(name string) Theme {
	if t, ok := themes[name]; ok {
		return t
	}
	return themes["default"]
}

// DOT encodes the artifact as Graphviz DOT source. The bytes are the
// input to the external rendering collaborator; emission order follows
// artifact order, so identical artifacts produce identical output.
func (a *Artifact) DOT(theme Theme) []byte {
	var b strings.Builder
	b.WriteString("digraph calls {\n")
	fmt.Fprintf(&b, "  rankdir=TB;\n  bgcolor=%q;\n  fontname=%q;\n", theme.Background, theme.FontName)
	fmt.Fprintf(&b, "  node [shape=box style=\"rounded,filled\" fillcolor=%q color=%q fontcolor=%q fontname=%q];\n",
		theme.NodeColor, theme.NodeColor, theme.FontColor, theme.FontName)
	fmt.Fprintf(&b, "  edge [color=%q fontname=%q];\n", theme.EdgeColor, theme.FontName)

	for _, n := range a.Nodes {
		label := n.Function
		if n.File != "" {
			label = fmt.Sprintf("%s\\n%s:%d", n.Function, n.File, n.Line)
		}
		if n.Fault {
			fmt.Fprintf(&b, "  %q [label=%q color=\"red\" fillcolor=%q];\n", n.ID, label, theme.FaultFill)
			continue
		}
		fmt.Fprintf(&b, "  %q [label=%q];\n", n.ID, label)
	}
	if a.Fault != "" {
		fmt.Fprintf(&b, "  \"__fault\" [label=%q shape=octagon color=\"red\" fillcolor=%q];\n", a.Fault, theme.FaultFill)
		for _, n := range a.Nodes {
			if n.Fault {
				fmt.Fprintf(&b, "  %q -> \"__fault\" [style=dashed color=\"red\"];\n", n.ID)
			}
		}
	}
	for _, e := range a.Edges {
		fmt.Fprintf(&b, "  %q -> %q;\n", e.From, e.To)
	}
	b.WriteString("}\n")
	return []byte(b.String())
}
