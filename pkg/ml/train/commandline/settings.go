// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience tools to run and monitor training on the command line.
package commandline

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/dataflow/pkg/support/params"
	"github.com/spf13/pflag"
)

// SettingsFlag creates a string flag in flags with the given flagName (if empty it will be named "set"), and
// with a description of the parameters defined in p and their defaults.
//
// After the flags are parsed, apply the value with p.Parse.
//
// Example usage:
//
//	settings := ops.GemmBenchmarkParams()
//	setFlag := commandline.SettingsFlag(cmd.Flags(), "", settings)
//	...
//	if err := settings.Parse(*setFlag); err != nil { return err }
func SettingsFlag(flags *pflag.FlagSet, flagName string, p *params.Params) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Settings given as a list of "param=value" separated by ";". Available parameters:`,
	}
	for _, name := range p.Names() {
		value, _ := p.Lookup(name)
		parts = append(parts, fmt.Sprintf("  %q: default value is %v", name, value))
	}
	return flags.String(flagName, "", strings.Join(parts, "\n"))
}

// SprintSettings pretty-prints the values of the parameters in p as a table.
func SprintSettings(title string, p *params.Params) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers("Parameter", "Type", "Value").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	for _, name := range p.Names() {
		value, _ := p.Lookup(name)
		table.Row(name, fmt.Sprintf("%T", value), fmt.Sprint(value))
	}
	if title == "" {
		return table.String()
	}
	return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), table.String())
}
