package tui

import (
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// palette maps pixel indices to half-block styles. Index 0 is empty.
type palette struct {
	fg [16]lipgloss.Style
	bg [16][16]lipgloss.Style
}

var (
	paletteRec  = newPalette("", "226", "220", "214", "208", "196", "160", "124", "88", "52", "236", "236", "236", "236", "255", "249")
	paletteBusy = newPalette("", "230", "229", "228", "221", "214", "208", "172", "130", "94", "236", "236", "236", "236", "255", "249")
	paletteIdle = newPalette("", "231", "224", "217", "210", "160", "124", "88", "52", "236", "236", "236", "236", "236", "255", "249")
)

func newPalette(colors ...string) *palette {
	p := &palette{}
	for i, fg := range colors {
		if fg == "" {
			continue
		}
		p.fg[i] = lipgloss.NewStyle().Foreground(lipgloss.Color(fg))
		for j, bg := range colors {
			if bg != "" {
				p.bg[i][j] = lipgloss.NewStyle().Foreground(lipgloss.Color(fg)).Background(lipgloss.Color(bg))
			}
		}
	}
	return p
}

type eyeRing struct {
	radius     float64
	breatheAmt float64
	colorIdx   int
}

var eyeRings = []eyeRing{
	{0.6, 0.10, 1},
	{1.3, 0.12, 2},
	{2.0, 0.15, 3},
	{2.8, 0.35, 4},
	{3.5, 0.40, 5},
	{4.2, 0.38, 6},
	{5.0, 0.30, 7},
	{5.8, 0.15, 8},
	{6.5, 0.03, 9},
	{7.2, 0.0, 10},
	{8.0, 0.0, 11},
	{10.0, 0.0, 12},
	{12.0, 0.0, 13},
}

type glint struct {
	ox, oy float64
	radius float64
	color  int
}

var eyeGlints = func() []glint {
	const side, side2, top, top2 = 9.0, 7.2, 10.0, 8.2
	return []glint{
		{-side * 0.707, -side * 0.707, 0.7, 14},
		{-side2 * 0.707, -side2 * 0.707, 0.4, 15},
		{0, -top, 0.8, 14},
		{0, -top2, 0.6, 15},
		{side * 0.707, -side * 0.707, 0.7, 14},
		{side2 * 0.707, -side2 * 0.707, 0.4, 15},
		{0, -2.0, 0.6, 14},
	}
}()

const (
	eyeCharsW = 44
	eyeCharsH = 15
)

// renderEye draws the pulsing eye using half-block characters, two pixels
// per cell. level widens the red rings while speech is coming in.
func renderEye(frame int, level float64, active bool, pal *palette) string {
	const pixW, pixH = eyeCharsW, eyeCharsH * 2
	cx, cy := float64(pixW)/2, float64(pixH)/2

	breathe := math.Sin(float64(frame)*0.08)*0.02 - 0.05
	if active {
		breathe = math.Sin(float64(frame)*0.10)*0.03 + level*10.0 - 0.05
	}

	var pixels [pixH][pixW]int
	for y := range pixH {
		for x := range pixW {
			dx, dy := float64(x)-cx, float64(y)-cy
			dist := math.Sqrt(dx*dx + dy*dy)
			for _, r := range eyeRings {
				radius := min(r.radius+breathe*r.breatheAmt*20, 10.0)
				if dist < radius {
					pixels[y][x] = r.colorIdx
					break
				}
			}
			for _, s := range eyeGlints {
				gx, gy := dx-s.ox, dy-s.oy
				rLen := math.Sqrt(s.ox*s.ox + s.oy*s.oy)
				if rLen < 0.001 {
					rLen = 1
				}
				tx, ty := -s.oy/rLen, s.ox/rLen
				dt := gx*tx + gy*ty
				dn := gx*(-ty) + gy*tx
				if (dt*dt)/9.0+dn*dn < s.radius*s.radius {
					pixels[y][x] = s.color
				}
			}
		}
	}

	var b strings.Builder
	for row := range eyeCharsH {
		for x := range eyeCharsW {
			top, bot := pixels[row*2][x], pixels[row*2+1][x]
			switch {
			case top == 0 && bot == 0:
				b.WriteString(" ")
			case top == bot:
				b.WriteString(pal.fg[top].Render("█"))
			case bot == 0:
				b.WriteString(pal.fg[top].Render("▀"))
			case top == 0:
				b.WriteString(pal.fg[bot].Render("▄"))
			default:
				b.WriteString(pal.bg[top][bot].Render("▀"))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// wrapText breaks text at spaces so no line exceeds width runes.
func wrapText(text string, width int) []string {
	if text == "" {
		return []string{""}
	}
	width = max(width, 1)
	var lines []string
	words := strings.Fields(text)
	var line []rune
	for _, w := range words {
		r := []rune(w)
		if len(line) > 0 && len(line)+1+len(r) > width {
			lines = append(lines, string(line))
			line = line[:0]
		}
		for len(r) > width {
			if len(line) > 0 {
				lines = append(lines, string(line))
				line = line[:0]
			}
			lines = append(lines, string(r[:width]))
			r = r[width:]
		}
		if len(line) > 0 {
			line = append(line, ' ')
		}
		line = append(line, r...)
	}
	if len(line) > 0 {
		lines = append(lines, string(line))
	}
	return lines
}
