package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"visitoverlay/internal/columns"
)

var columnsRaw bool

// columnsCmd prints the effective column registry
var columnsCmd = &cobra.Command{
	Use:   "columns",
	Short: "Show the effective column configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := columns.Default(cfg)
		if err != nil {
			return err
		}
		md := columnsMarkdown(reg, cfg.Lookup.CarePlanChain)
		if columnsRaw {
			_, err := fmt.Fprint(cmd.OutOrStdout(), md)
			return err
		}
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err != nil {
			return err
		}
		out, err := renderer.Render(md)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), out)
		return err
	},
}

func init() {
	columnsCmd.Flags().BoolVar(&columnsRaw, "raw", false, "Print markdown without terminal styling")
}

func columnsMarkdown(reg *columns.Registry, chain bool) string {
	var b strings.Builder
	b.WriteString("# Columns\n\n")
	b.WriteString("## Owned\n\n")
	b.WriteString("| Identifier | Title | Enabled | Anchor | Placeholder |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, d := range reg.Owned() {
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s | %s |\n", d.ID, d.Title, yesNo(d.Enabled), d.Anchor, mdCell(d.Placeholder.Text))
	}
	if !chain {
		b.WriteString("\nThe care plan column is off: set `lookup.care_plan_chain` to enable it.\n")
	}

	host := reg.Host()
	if len(host) > 0 {
		b.WriteString("\n## Host\n\n")
		b.WriteString("| Identifier | Shown |\n")
		b.WriteString("|---|---|\n")
		for _, d := range host {
			fmt.Fprintf(&b, "| `%s` | %s |\n", d.ID, yesNo(d.Enabled))
		}
	}
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func mdCell(s string) string {
	if s == "" {
		return " "
	}
	return strings.ReplaceAll(s, "|", `\|`)
}
