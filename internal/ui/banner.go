package ui

import (
	"fmt"
	"io"
	"os"

	"charm.land/lipgloss/v2"
)

// Accent color for the DIALECT banner.
const accentBlue = "#4285F4"

// DIALECT ASCII art (filled block style)
var bannerArt = []string{
	"  ██████╗ ██╗ █████╗ ██╗     ███████╗ ██████╗████████╗",
	"  ██╔══██╗██║██╔══██╗██║     ██╔════╝██╔════╝╚══██╔══╝",
	"  ██║  ██║██║███████║██║     █████╗  ██║        ██║   ",
	"  ██║  ██║██║██╔══██║██║     ██╔══╝  ██║        ██║   ",
	"  ██████╔╝██║██║  ██║███████╗███████╗╚██████╗   ██║   ",
	"  ╚═════╝ ╚═╝╚═╝  ╚═╝╚══════╝╚══════╝ ╚═════╝   ╚═╝   ",
}

// Arrow ASCII art (large ">" shape)
var arrowArt = []string{
	"  ██  ",
	"   ██ ",
	"    ██",
	"   ██ ",
	"  ██  ",
	"      ",
}

// Print displays the DIALECT banner on stdout.
func Print() {
	PrintTo(os.Stdout)
}

// PrintTo displays the DIALECT banner to a custom writer.
func PrintTo(w io.Writer) {
	_, _ = fmt.Fprintln(w)

	style := lipgloss.NewStyle().
		Foreground(lipgloss.Color(accentBlue)).
		Bold(true)

	// Render arrow and text side by side
	for i := range bannerArt {
		arrow := style.Render(arrowArt[i])
		text := style.Render(bannerArt[i])
		_, _ = fmt.Fprintln(w, arrow+text)
	}

	_, _ = fmt.Fprintln(w)
}

// PrintWithInfo displays the banner followed by version, model, and
// listen address details.
func PrintWithInfo(w io.Writer, version, model, addr string) {
	PrintTo(w)

	infoStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#808080")).
		Italic(true)

	info := fmt.Sprintf("Version: %s | Model: %s | Listening: %s", version, model, addr)
	_, _ = fmt.Fprintln(w, infoStyle.Render(info))
	_, _ = fmt.Fprintln(w)
}
