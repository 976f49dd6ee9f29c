package cli

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/caarlos0/env/v11"
)

const (
	boxTopLeft     = "╒"
	boxBottomLeft  = "└"
	boxTopRight    = "╕"
	boxBottomRight = "┘"
	boxSide        = "│"
	boxTop         = "═"
	boxBottom      = "─"
	dividerLeft    = "┠"
	dividerMiddle  = "─"
	dividerRight   = "┨"
	ellipsis       = "…"
)

// Alignment of banner lines.
const (
	AlignLeft = iota
	AlignCenter
	AlignRight

	bannerPadding   = 2
	dividerPadding  = 2
	truncateReserve = 1
	halfDivisor     = 2
)

// DefaultTerminalWidth is the banner width used by the simulator.
const DefaultTerminalWidth = 80

type bannerConfig struct {
	Suppress bool `env:"NO_BANNER" envDefault:"false"`
}

var suppressBanner = sync.OnceValue(func() bool {
	cfg, err := env.ParseAs[bannerConfig]()
	if err != nil {
		return false
	}

	return cfg.Suppress
})

// Divider returns a horizontal rule of the given width.
func Divider(width int) string {
	if width < dividerPadding {
		width = dividerPadding
	}

	return fmt.Sprintf("%s%s%s\n", dividerLeft, strings.Repeat(dividerMiddle, width-dividerPadding), dividerRight)
}

// Banner draws s inside a box of the given width. Long lines are truncated.
// Setting NO_BANNER=true returns s unboxed.
func Banner(s string, width int, alignment int) string {
	if suppressBanner() {
		return s + "\n"
	}

	if width <= bannerPadding {
		return ""
	}

	inner := width - bannerPadding
	parts := []string{boxTopLeft + strings.Repeat(boxTop, inner) + boxTopRight}

	for _, l := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		var line string

		switch alignment {
		case AlignCenter:
			line = pad(l, inner, func(diff int) (int, int) { return diff / halfDivisor, diff - diff/halfDivisor })
		case AlignLeft:
			line = pad(l, inner, func(diff int) (int, int) { return 0, diff })
		case AlignRight:
			line = pad(l, inner, func(diff int) (int, int) { return diff, 0 })
		default:
			return ""
		}

		parts = append(parts, boxSide+line+boxSide)
	}

	parts = append(parts, boxBottomLeft+strings.Repeat(boxBottom, inner)+boxBottomRight)

	return strings.Join(parts, "\n")
}

func countGraphic(s string) int {
	count := 0

	for _, r := range s {
		if unicode.IsGraphic(r) {
			count++
		}
	}

	return count
}

func truncateGraphic(s string, n int) (string, int) {
	var out strings.Builder

	count := 0

	for _, r := range s {
		if unicode.IsGraphic(r) {
			if count >= n {
				break
			}

			count++
		}

		out.WriteRune(r)
	}

	return out.String(), count
}

// pad fits text into width, splitting the free space with split(diff).
func pad(text string, width int, split func(diff int) (left, right int)) string {
	length := countGraphic(text)
	if length > width {
		text, length = truncateGraphic(text, width-truncateReserve)
		text += ellipsis
		length++
	}

	left, right := split(width - length)

	return strings.Repeat(" ", left) + text + strings.Repeat(" ", right)
}
