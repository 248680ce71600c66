package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/moldsim/internal/api/websocket"
	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() machine.Reading {
	return machine.Reading{
		Timestamp:          time.Unix(1_700_000_000, 250_000_000),
		Stage:              machine.StageHolding,
		MeltTemp:           250,
		InjectionPressure:  650,
		VibrationAmplitude: 0.6,
		VibrationFrequency: 30,
	}
}

type recordingSink struct {
	readings []machine.Reading
	err      error
	flushes  int
	closed   bool
}

func (s *recordingSink) Publish(_ context.Context, r machine.Reading) error {
	s.readings = append(s.readings, r)
	return s.err
}

func (s *recordingSink) Flush(context.Context) error {
	s.flushes++
	return s.err
}

func (s *recordingSink) Close() error {
	s.closed = true
	return s.err
}

func TestFanoutDeliversDespiteFailingSink(t *testing.T) {
	broken := &recordingSink{err: errors.New("connection refused")}
	healthy := &recordingSink{}

	f := NewFanout()
	f.Add("kafka", broken)
	f.Add("nodes", healthy)
	assert.Equal(t, []string{"kafka", "nodes"}, f.Names())

	err := f.Publish(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka: connection refused")
	assert.Len(t, healthy.readings, 1)
	assert.Len(t, broken.readings, 1)

	assert.ErrorContains(t, f.Flush(context.Background()), "failed to flush kafka")
	assert.Equal(t, 1, healthy.flushes)

	assert.ErrorContains(t, f.Close(), "failed to close kafka")
	assert.True(t, healthy.closed)
}

func TestNodeRegistry(t *testing.T) {
	n := NewNodeRegistry()

	_, ok := n.Latest()
	assert.False(t, ok)

	first := sample()
	second := sample()
	second.MeltTemp = 255
	require.NoError(t, n.Publish(context.Background(), first))
	require.NoError(t, n.Publish(context.Background(), second))

	latest, ok := n.Latest()
	require.True(t, ok)
	assert.Equal(t, second, latest)
	assert.Equal(t, uint64(2), n.Updates())

	nodes := n.Nodes()
	require.Len(t, nodes, len(NodeNames))
	assert.Equal(t, "InjectionMouldingMachine.MeltTemp", nodes[0].Path)
	assert.Equal(t, 255.0, nodes[0].Value)
	assert.Equal(t, "Holding", nodes[4].Value)
	assert.InDelta(t, 1_700_000_000.25, nodes[5].Value, 1e-6)
}

type fakeWriter struct {
	messages []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(w, "imm-01")

	r := sample()
	require.NoError(t, sink.Publish(context.Background(), r))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, []byte("imm-01"), msg.Key)
	assert.True(t, r.Timestamp.Equal(msg.Time))
	assert.Equal(t, []kafka.Header{{Key: "stage", Value: []byte("Holding")}}, msg.Headers)

	var decoded machine.Reading
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, r.MeltTemp, decoded.MeltTemp)
	assert.Equal(t, r.Stage, decoded.Stage)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

type fakeHub struct {
	accept bool
	sent   []websocket.Message
}

func (h *fakeHub) Broadcast(msg websocket.Message) bool {
	if h.accept {
		h.sent = append(h.sent, msg)
	}
	return h.accept
}

func TestHubSink(t *testing.T) {
	hub := &fakeHub{accept: true}
	sink := NewHubSink(hub)

	r := sample()
	require.NoError(t, sink.Publish(context.Background(), r))
	require.Len(t, hub.sent, 1)
	assert.Equal(t, websocket.MessageTypeReading, hub.sent[0].Type)
	assert.True(t, r.Timestamp.Equal(hub.sent[0].Timestamp))

	hub.accept = false
	assert.ErrorIs(t, sink.Publish(context.Background(), r), ErrDropped)
}

type fakeArchive struct {
	runIDs  []uuid.UUID
	flushed bool
}

func (a *fakeArchive) SaveReading(_ context.Context, runID uuid.UUID, _ machine.Reading) error {
	a.runIDs = append(a.runIDs, runID)
	return nil
}

func (a *fakeArchive) Flush(context.Context) error {
	a.flushed = true
	return nil
}

func TestArchiveSink(t *testing.T) {
	archive := &fakeArchive{}
	runID := uuid.New()
	sink := NewArchiveSink(archive, runID)

	require.NoError(t, sink.Publish(context.Background(), sample()))
	require.NoError(t, sink.Flush(context.Background()))

	next := uuid.New()
	sink.SetRun(next)
	require.NoError(t, sink.Publish(context.Background(), sample()))

	assert.Equal(t, []uuid.UUID{runID, next}, archive.runIDs)
	assert.True(t, archive.flushed)
}
