package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/fontbridge/internal/catalog"
	"github.com/mattjoyce/fontbridge/internal/tui"
	"github.com/mattjoyce/fontbridge/internal/validate"
)

// renderCatalog lists every operation, in catalog order.
func renderCatalog(reg *catalog.Registry, th tui.Theme) string {
	cell := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(th.Border).
		Headers("OPERATION", "KIND", "PARAMS", "DESCRIPTION").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return th.Header
			}
			return cell
		})

	for _, op := range reg.All() {
		names := make([]string, 0, len(op.Params))
		for _, p := range op.Params {
			names = append(names, p.Name)
		}
		params := strings.Join(names, ", ")
		if params == "" {
			params = th.Dim.Render("-")
		}
		t.Row(op.Name, th.Kind(op.Kind), params, op.Description)
	}

	var b strings.Builder
	b.WriteString(t.String())
	b.WriteString("\n")
	b.WriteString(th.Dim.Render(fmt.Sprintf("%d operations (%d read, %d write), catalog %s",
		reg.Len(), len(reg.ReadOperations()), len(reg.WriteOperations()), shortenCommit(reg.Fingerprint()))))
	b.WriteString("\n")
	return b.String()
}

// renderOperation shows one operation and its parameters.
func renderOperation(op *catalog.Operation, th tui.Theme) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", th.Title.Render(op.Name), th.Kind(op.Kind))
	if op.Description != "" {
		fmt.Fprintf(&b, "%s\n", op.Description)
	}
	b.WriteString("\n")

	if len(op.Params) == 0 {
		b.WriteString(th.Dim.Render("no parameters"))
		b.WriteString("\n")
		return b.String()
	}

	cell := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(th.Border).
		Headers("PARAM", "TYPE", "REQUIRED", "CONSTRAINTS").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return th.Header
			}
			return cell
		})
	for _, p := range op.Params {
		required := th.Dim.Render("no")
		if p.Required {
			required = th.Highlight.Render("yes")
		}
		t.Row(p.Name, string(p.Type), required, constraints(p))
	}
	b.WriteString(t.String())
	b.WriteString("\n")
	return b.String()
}

// constraints summarizes the checks a parameter is held to.
func constraints(p validate.Spec) string {
	var parts []string
	if lo, hi, ok := p.Bounds(); ok && (p.Min != nil || p.Max != nil || p.Type == validate.TypeCoordinate || p.Type == validate.TypeCodepoint) {
		parts = append(parts, fmt.Sprintf("%g..%g", lo, hi))
	}
	if len(p.Enum) > 0 {
		parts = append(parts, "one of "+strings.Join(p.Enum, "|"))
	}
	if p.MaxLength > 0 {
		parts = append(parts, fmt.Sprintf("max %d chars", p.MaxLength))
	}
	if p.Charset != "" {
		parts = append(parts, "charset "+string(p.Charset))
	}
	if p.Type == validate.TypeList {
		parts = append(parts, fmt.Sprintf("%d..%d items", p.MinItems, p.ItemLimit()))
	}
	if len(p.Extensions) > 0 {
		parts = append(parts, "ext "+strings.Join(p.Extensions, ","))
	}
	if p.Default != nil {
		parts = append(parts, fmt.Sprintf("default %v", p.Default))
	}
	return strings.Join(parts, "; ")
}
