package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/inspectlink/inspectlink/internal/domain"
)

// printer renders records one per line, colored by kind and log priority.
type printer struct {
	out    io.Writer
	seq    *color.Color
	kinds  map[domain.RecordKind]*color.Color
	levels map[int]*color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out: out,
		seq: color.New(color.Faint),
		kinds: map[domain.RecordKind]*color.Color{
			domain.RecordKindNetworkCall:    color.New(color.FgCyan),
			domain.RecordKindCrashReport:    color.New(color.FgRed, color.Bold),
			domain.RecordKindAnalyticsEvent: color.New(color.FgMagenta),
			domain.RecordKindGenericLog:     color.New(color.FgWhite),
			domain.RecordKindException:      color.New(color.FgRed),
		},
		levels: map[int]*color.Color{
			domain.LogTypeVerbose: color.New(color.Faint),
			domain.LogTypeDebug:   color.New(color.FgBlue),
			domain.LogTypeInfo:    color.New(color.FgGreen),
			domain.LogTypeWarn:    color.New(color.FgYellow),
			domain.LogTypeError:   color.New(color.FgRed),
			domain.LogTypeAssert:  color.New(color.FgRed, color.Bold),
		},
	}
}

func (p *printer) disableColor() {
	p.seq.DisableColor()
	for _, c := range p.kinds {
		c.DisableColor()
	}
	for _, c := range p.levels {
		c.DisableColor()
	}
}

func (p *printer) record(rec domain.LogRecord) {
	c := p.kinds[rec.Kind]
	if rec.GenericLog != nil {
		if lc, ok := p.levels[rec.GenericLog.Type]; ok {
			c = lc
		}
	}
	if c == nil {
		c = color.New(color.Reset)
	}

	_, _ = fmt.Fprintf(p.out, "%s %s %s %s\n",
		p.seq.Sprintf("#%-5d", rec.Sequence),
		rec.Timestamp.Local().Format(time.TimeOnly+".000"),
		c.Sprintf("%-15s", rec.Kind),
		domain.Summary(rec),
	)
}

// sessions prints a short header with the most recent known sessions.
func (p *printer) sessions(items []domain.SessionInfo, limit int) {
	if len(items) == 0 {
		return
	}
	_, _ = fmt.Fprintf(p.out, "%d known sessions\n", len(items))
	for i, info := range items {
		if i == limit {
			break
		}
		_, _ = fmt.Fprintf(p.out, "  %s %s %s (%d records)\n",
			p.seq.Sprint(info.ID),
			shortDevice(info.DeviceID),
			info.LastSeenAt.Local().Format(time.DateTime),
			info.RecordCount,
		)
	}
}
