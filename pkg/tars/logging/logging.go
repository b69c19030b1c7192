// Package logging builds the slog logger shared by every tars process.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
	"golang.org/x/term"

	"github.com/jholhewres/tars/pkg/tars/config"
)

// Options selects where and how logs are written.
type Options struct {
	Config  config.LoggingConfig
	Verbose bool
	// Out receives terminal output. Protocol subprocesses pass os.Stderr.
	Out io.Writer
	// Journal forces the journald handler on or off; nil auto-detects a
	// systemd unit.
	Journal *bool
}

// New returns a logger fanned out to the terminal and, when running as a
// systemd unit or asked to, the journal. Under systemd the terminal handler
// is dropped since stdout already ends up in the journal.
func New(opts Options) *slog.Logger {
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	level := ParseLevel(opts.Config.Level)
	if opts.Verbose {
		level = slog.LevelDebug
	}

	underSystemd := runningUnderSystemd()
	wantJournal := opts.Config.Journal || underSystemd
	if opts.Journal != nil {
		wantJournal = *opts.Journal
	}

	terminal := terminalHandler(opts.Out, opts.Config.Format, level)
	if !wantJournal {
		return slog.New(terminal)
	}

	journal, err := slogjournal.NewHandler(&slogjournal.Options{
		Level:        level,
		ReplaceGroup: toJournalKey,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			a.Key = toJournalKey(a.Key)
			return a
		},
	})
	if err != nil {
		record := slog.NewRecord(time.Now(), slog.LevelWarn, "journal unavailable, logging to terminal", 0)
		record.Add("error", err)
		_ = terminal.Handle(context.Background(), record)
		return slog.New(terminal)
	}
	if underSystemd && opts.Journal == nil {
		return slog.New(journal)
	}
	return slog.New(slogmulti.Fanout(terminal, journal))
}

func terminalHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	ho := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, ho)
	case "text":
		return slog.NewTextHandler(w, ho)
	}
	if isTerminal(w) {
		return slog.NewTextHandler(w, ho)
	}
	return slog.NewJSONHandler(w, ho)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// ParseLevel maps a config level name to a slog level; unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// systemd sets both for services; JOURNAL_STREAM alone also covers
// `systemd-run` scopes.
func runningUnderSystemd() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("JOURNAL_STREAM") != ""
}

func toJournalKey(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, strings.ToUpper(s))
}
