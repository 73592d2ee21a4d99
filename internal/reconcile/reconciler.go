// Package reconcile ingests externally produced webhook payloads: batches of
// new messages and batches of delivery/read receipts. Every record is applied
// on its own, so one bad record never aborts the rest of its unit.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/model"
)

// Unit kinds.
const (
	KindMessages     = "messages"
	KindStatuses     = "statuses"
	KindUnrecognized = "unrecognized"
)

// Sink applies individual records.
type Sink interface {
	ImportMessage(ctx context.Context, msg model.Message) (bool, error)
	ApplyReceipt(ctx context.Context, receipt model.Receipt) (model.MatchResult, error)
}

// UnitReport summarizes one processed unit.
type UnitReport struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Updated    int    `json:"updated"`
	Unmatched  int    `json:"unmatched"`
	Failed     int    `json:"failed"`
	Error      string `json:"error,omitempty"`
}

// Report summarizes a directory run.
type Report struct {
	Units []UnitReport `json:"units"`
}

// Totals adds up the per-unit counters.
func (r Report) Totals() UnitReport {
	var t UnitReport
	for _, u := range r.Units {
		t.Inserted += u.Inserted
		t.Duplicates += u.Duplicates
		t.Updated += u.Updated
		t.Unmatched += u.Unmatched
		t.Failed += u.Failed
		if u.Kind == KindUnrecognized {
			t.Kind = KindUnrecognized
		}
	}
	return t
}

// Reconciler applies payload units to a Sink.
type Reconciler struct {
	sink   Sink
	logger zerolog.Logger
}

// New returns a Reconciler writing through sink.
func New(sink Sink, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		sink:   sink,
		logger: logger.With().Str("component", "reconciler").Logger(),
	}
}

// payload detects the unit shape by key presence; an empty array still
// selects its shape.
type payload struct {
	Messages *[]json.RawMessage `json:"messages"`
	Statuses *[]json.RawMessage `json:"statuses"`
}

// ProcessUnit applies one batch unit. Unrecognized or malformed units are
// logged and reported with Kind=unrecognized; they are never returned as
// errors so callers can move on to the next unit.
func (r *Reconciler) ProcessUnit(ctx context.Context, name string, data []byte) UnitReport {
	report := UnitReport{Name: name}
	log := r.logger.With().Str("unit", name).Logger()

	var p payload
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&p); err != nil {
		return r.unrecognized(log, report, fmt.Errorf("%w: %v", model.ErrUnrecognizedPayload, err))
	}

	switch {
	case p.Messages != nil:
		report.Kind = KindMessages
		r.importMessages(ctx, log, *p.Messages, &report)
	case p.Statuses != nil:
		report.Kind = KindStatuses
		r.applyStatuses(ctx, log, *p.Statuses, &report)
	default:
		return r.unrecognized(log, report, fmt.Errorf("%w: expected messages or statuses", model.ErrUnrecognizedPayload))
	}

	metrics.PayloadUnits.WithLabelValues(report.Kind).Inc()
	log.Info().
		Str("kind", report.Kind).
		Int("inserted", report.Inserted).
		Int("duplicates", report.Duplicates).
		Int("updated", report.Updated).
		Int("unmatched", report.Unmatched).
		Int("failed", report.Failed).
		Msg("unit processed")
	return report
}

func (r *Reconciler) unrecognized(log zerolog.Logger, report UnitReport, err error) UnitReport {
	report.Kind = KindUnrecognized
	report.Error = err.Error()
	metrics.PayloadUnits.WithLabelValues(KindUnrecognized).Inc()
	log.Warn().Err(err).Msg("unknown payload type")
	return report
}

func (r *Reconciler) importMessages(ctx context.Context, log zerolog.Logger, records []json.RawMessage, report *UnitReport) {
	for i, raw := range records {
		var msg model.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.fail(log, report, i, "", err)
			continue
		}
		inserted, err := r.sink.ImportMessage(ctx, msg)
		if err != nil {
			r.fail(log, report, i, msg.ID, err)
			continue
		}
		if inserted {
			report.Inserted++
			metrics.PayloadRecords.WithLabelValues("inserted").Inc()
			log.Debug().Str("id", msg.ID).Msg("inserted message")
		} else {
			report.Duplicates++
			metrics.PayloadRecords.WithLabelValues("duplicate").Inc()
			log.Debug().Str("id", msg.ID).Msg("message already exists")
		}
	}
}

func (r *Reconciler) applyStatuses(ctx context.Context, log zerolog.Logger, records []json.RawMessage, report *UnitReport) {
	for i, raw := range records {
		var receipt model.Receipt
		if err := json.Unmarshal(raw, &receipt); err != nil {
			r.fail(log, report, i, "", err)
			continue
		}
		res, err := r.sink.ApplyReceipt(ctx, receipt)
		if err != nil {
			r.fail(log, report, i, receipt.ID, err)
			continue
		}
		if res.Matched {
			report.Updated++
			metrics.PayloadRecords.WithLabelValues("updated").Inc()
			log.Debug().Str("id", receipt.ID).Str("status", receipt.Status).Msg("updated status")
		} else {
			report.Unmatched++
			metrics.PayloadRecords.WithLabelValues("unmatched").Inc()
			log.Info().Str("id", receipt.ID).Msg("no message found for status update")
		}
	}
}

func (r *Reconciler) fail(log zerolog.Logger, report *UnitReport, index int, id string, err error) {
	report.Failed++
	metrics.PayloadRecords.WithLabelValues("failed").Inc()
	log.Warn().Err(err).Int("record", index).Str("id", id).Msg("record skipped")
}

// ProcessDir applies every *.json file in dir in lexical order. Only an
// unreadable directory is an error; unreadable files are reported and skipped.
func (r *Reconciler) ProcessDir(ctx context.Context, dir string) (Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Report{}, fmt.Errorf("reading payload directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isPayloadFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	report := Report{Units: make([]UnitReport, 0, len(names))}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Units = append(report.Units, r.ProcessFile(ctx, filepath.Join(dir, name)))
	}
	return report, nil
}

// ProcessFile reads and applies a single payload file.
func (r *Reconciler) ProcessFile(ctx context.Context, path string) UnitReport {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Error().Err(err).Str("unit", name).Msg("reading payload file")
		return UnitReport{Name: name, Kind: KindUnrecognized, Error: err.Error()}
	}
	return r.ProcessUnit(ctx, name, data)
}

func isPayloadFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json") && !strings.HasPrefix(name, ".")
}
