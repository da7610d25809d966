package ticket

import (
	"context"
	"fmt"
	"log/slog"

	"supportbot/internal/domain"
)

// Fanout submits every ticket to each sink in order. The first sink is the
// system of record: if it fails, the rest are not tried. Failures of the
// other sinks are logged only.
type Fanout struct {
	sinks  []namedSink
	logger *slog.Logger
}

type namedSink struct {
	name string
	sink domain.TicketSink
}

func NewFanout(logger *slog.Logger) *Fanout {
	return &Fanout{logger: logger}
}

// Add appends a sink. Nil sinks are ignored.
func (f *Fanout) Add(name string, s domain.TicketSink) *Fanout {
	if s != nil {
		f.sinks = append(f.sinks, namedSink{name: name, sink: s})
	}
	return f
}

func (f *Fanout) SubmitTicket(ctx context.Context, t domain.Ticket) error {
	if len(f.sinks) == 0 {
		return fmt.Errorf("no ticket sink configured")
	}
	if err := f.sinks[0].sink.SubmitTicket(ctx, t); err != nil {
		return fmt.Errorf("%s: %w", f.sinks[0].name, err)
	}
	for _, ns := range f.sinks[1:] {
		if err := ns.sink.SubmitTicket(ctx, t); err != nil {
			f.logger.Warn("ticket sink failed", "sink", ns.name, "ticket", t.ID, "err", err)
		}
	}
	return nil
}
