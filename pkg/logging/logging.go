// Package logging builds the slog handler shared by the binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("failed to parse log level %q: %w", s, err)
	}
	return l, nil
}

// NewHandler writes colored output when w is a terminal.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
		if !noColor {
			w = colorable.NewColorable(f)
		}
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	})
}

// Setup installs the default logger on stderr at the named level and
// returns the level so it can be changed later.
func Setup(level string) (*slog.LevelVar, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	lv := &slog.LevelVar{}
	lv.Set(l)
	slog.SetDefault(slog.New(NewHandler(os.Stderr, lv)))
	return lv, nil
}
