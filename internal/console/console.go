// Package console renders a live terminal panel of in-flight requests.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/mattn/go-isatty"

	"github.com/Howardzhangdqs/livetoken/internal/monitor"
)

const (
	barCells         = 40
	fullResponseChar = 2000
	sparkPoints      = 30
	clearScreen      = "\033[H\033[2J"
)

// Source is the read side of the metrics store.
type Source interface {
	Active() []monitor.RequestMetrics
	History(limit int) []monitor.RequestMetrics
	Stats() monitor.Stats
	Now() time.Time
}

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("51")).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("51"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	ttftStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	tokenStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// Console periodically redraws the panel.
type Console struct {
	src      Source
	out      io.Writer
	interval time.Duration
}

// New returns a console refreshing four times a second.
func New(src Source, out io.Writer) *Console {
	return &Console{src: src, out: out, interval: 250 * time.Millisecond}
}

// Enabled reports whether the panel should run: the setting is on and f is a terminal.
func Enabled(setting bool, f *os.File) bool {
	if !setting || f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Run redraws until ctx is done.
func (c *Console) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := io.WriteString(c.out, clearScreen+c.Render()+"\n"); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Render builds one frame.
func (c *Console) Render() string {
	now := c.src.Now()
	var b strings.Builder

	b.WriteString(titleStyle.Render("LiveToken Monitor"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  [%s]", now.Format("15:04:05"))))
	b.WriteString("\n")

	active := c.src.Active()
	if len(active) == 0 {
		b.WriteString(dimStyle.Italic(true).Render("waiting for requests..."))
		b.WriteString("\n")
	}
	for _, m := range active {
		b.WriteString(renderRequest(m, now))
		b.WriteString("\n")
	}

	st := c.src.Stats()
	b.WriteString(dimStyle.Render(fmt.Sprintf("stats: %d requests | avg TTFT: %.3fs | avg speed: %.2f t/s",
		st.TotalRequests, st.AvgTTFT, st.AvgSpeed)))

	if spark := sparkline(c.src.History(sparkPoints), now); spark != "" {
		b.WriteString("\n")
		b.WriteString(spark)
	}
	return panelStyle.Render(b.String())
}

func renderRequest(m monitor.RequestMetrics, now time.Time) string {
	style := lipgloss.NewStyle().Foreground(lipgloss.Color(m.APIType.Color()))

	var b strings.Builder
	b.WriteString(style.Render("● " + m.ShortID()))
	b.WriteString(dimStyle.Render(" " + m.ModelDisplay()))
	b.WriteString("\n   ")

	if ttft, ok := m.TTFT(); ok {
		b.WriteString(ttftStyle.Render(fmt.Sprintf("TTFT: %.2fs", ttft.Seconds())))
	} else {
		b.WriteString(dimStyle.Render("TTFT: --"))
	}
	b.WriteString(" │ ")
	b.WriteString(tokenStyle.Render(fmt.Sprintf("Tokens: %d", m.TokenCount)))
	if m.InputTokens > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf(" (in: %d)", m.InputTokens)))
	}
	b.WriteString(fmt.Sprintf(" │ Speed: %.1f t/s\n   ", m.TokenSpeed(now)))
	b.WriteString(ProgressBar(m.CharCount()))
	return b.String()
}

// ProgressBar draws chars against a nominal full response of 2000 characters.
func ProgressBar(chars int) string {
	progress := float64(chars) / fullResponseChar
	if progress > 1 {
		progress = 1
	}
	if progress < 0 {
		progress = 0
	}
	filled := int(barCells * progress)
	return strings.Repeat("█", filled) + strings.Repeat("░", barCells-filled) +
		fmt.Sprintf(" %3d%%", int(progress*100))
}

func sparkline(history []monitor.RequestMetrics, now time.Time) string {
	if len(history) < 2 {
		return ""
	}
	speeds := make([]float64, 0, len(history))
	for _, m := range history {
		speeds = append(speeds, m.TokenSpeed(now))
	}
	return asciigraph.Plot(speeds,
		asciigraph.Height(3),
		asciigraph.Width(barCells),
		asciigraph.Caption("speed (t/s)"),
	)
}
