// Package publish delivers simulator readings to live subscribers and archives.
package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/moldsim/internal/machine"
)

// ErrDropped is returned when a non-blocking transport had to drop a reading.
// The stage loop logs it at debug level only.
var ErrDropped = machine.ErrReadingDropped

// Sink is a reading destination. Publish must not block the tick loop for
// longer than a hand-off; delivery is at most once.
type Sink interface {
	Publish(ctx context.Context, r machine.Reading) error
	Flush(ctx context.Context) error
	Close() error
}

type namedSink struct {
	name string
	sink Sink
}

// Fanout delivers every reading to all of its sinks. A failing sink does not
// keep the others from receiving the reading.
type Fanout struct {
	sinks []namedSink
}

func NewFanout() *Fanout {
	return &Fanout{}
}

// Add registers sink under name. It must not be called after publishing started.
func (f *Fanout) Add(name string, sink Sink) {
	f.sinks = append(f.sinks, namedSink{name: name, sink: sink})
}

// Names lists the registered sinks in delivery order.
func (f *Fanout) Names() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.name)
	}
	return names
}

func (f *Fanout) Publish(ctx context.Context, r machine.Reading) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.sink.Publish(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.sink.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Discard accepts and forgets every reading.
type Discard struct{}

func (Discard) Publish(context.Context, machine.Reading) error { return nil }
func (Discard) Flush(context.Context) error                    { return nil }
func (Discard) Close() error                                   { return nil }
