// Package colors provides TTY-aware color output for feature listings.
//
// Colors are disabled when stdout is not a terminal. Use Init to override
// the detected setting from CLI flags.
package colors

import (
	"github.com/fatih/color"

	"github.com/blacktop/featx/pkg/features"
)

// Init overrides the auto-detected color setting when forceColor is non-nil.
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

var (
	Addr    = color.New(color.Faint).SprintfFunc()
	Name    = color.New(color.Bold).SprintFunc()
	Header  = color.New(color.Bold, color.FgHiBlue).SprintFunc()
	Warning = color.New(color.FgYellow).SprintFunc()
)

var palette = map[features.Kind]*color.Color{
	features.KindOS:             color.New(color.FgHiGreen),
	features.KindArch:           color.New(color.FgHiGreen),
	features.KindFormat:         color.New(color.FgHiGreen),
	features.KindImport:         color.New(color.FgMagenta),
	features.KindExport:         color.New(color.FgMagenta),
	features.KindAPI:            color.New(color.Bold, color.FgMagenta),
	features.KindSection:        color.New(color.FgBlue),
	features.KindString:         color.New(color.FgYellow),
	features.KindFunctionName:   color.New(color.Bold),
	features.KindCharacteristic: color.New(color.FgCyan),
	features.KindMnemonic:       color.New(color.Faint, color.FgWhite),
	features.KindNumber:         color.New(color.FgHiYellow),
	features.KindOffset:         color.New(color.FgHiYellow),
	features.KindBytes:          color.New(color.Faint, color.FgYellow),
}

// Kind returns the color used for features of kind k.
func Kind(k features.Kind) *color.Color {
	if c, ok := palette[k]; ok {
		return c
	}
	return color.New(color.Reset)
}

// Feature renders f with its kind colored.
func Feature(f features.Feature) string {
	c := Kind(f.Kind)
	if f.Value == "" {
		return c.Sprint(string(f.Kind))
	}
	return c.Sprint(string(f.Kind)) + "(" + f.Value + ")"
}
