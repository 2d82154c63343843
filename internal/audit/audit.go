// Package audit fans security audit entries out to the configured sinks.
package audit

import (
	"context"
	"log/slog"

	"portal/internal/domain/models"
	"portal/internal/lib/sl"
)

type Sink interface {
	Write(ctx context.Context, entry models.AuditEntry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, entry models.AuditEntry) error

func (f SinkFunc) Write(ctx context.Context, entry models.AuditEntry) error {
	return f(ctx, entry)
}

type EntrySaver interface {
	SaveAuditEntry(ctx context.Context, entry models.AuditEntry) error
}

// StorageSink writes entries to the gateway's audit table.
func StorageSink(saver EntrySaver) Sink {
	return SinkFunc(saver.SaveAuditEntry)
}

type namedSink struct {
	name string
	sink Sink
}

type Recorder struct {
	log   *slog.Logger
	sinks []namedSink
}

func New(log *slog.Logger) *Recorder {
	return &Recorder{log: log}
}

// With registers sink under name and returns the Recorder.
func (r *Recorder) With(name string, sink Sink) *Recorder {
	r.sinks = append(r.sinks, namedSink{name: name, sink: sink})
	return r
}

// Record writes entry to every sink. A failing sink is logged and skipped;
// audit failures never change the outcome of the audited operation.
func (r *Recorder) Record(ctx context.Context, entry models.AuditEntry) {
	const op = "audit.Record"

	for _, s := range r.sinks {
		if err := s.sink.Write(ctx, entry); err != nil {
			r.log.Error("failed to write audit entry",
				slog.String("op", op),
				slog.String("sink", s.name),
				slog.String("event", entry.Event),
				sl.Err(err),
			)
		}
	}
}

type clientIPKey struct{}

// WithClientIP attaches the caller's address to ctx for audit entries.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
