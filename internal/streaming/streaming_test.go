package streaming

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/KevinKickass/moldsim/internal/publish"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func reading(stage machine.Stage, melt float64) machine.Reading {
	return machine.Reading{
		Timestamp:          time.Date(2024, 3, 1, 12, 0, 0, 500_000_000, time.UTC),
		Stage:              stage,
		MeltTemp:           melt,
		InjectionPressure:  40,
		VibrationAmplitude: 0.25,
		VibrationFrequency: 10,
	}
}

func TestStreamerDropsForFullSubscriber(t *testing.T) {
	s := NewReadingStreamer()
	id, ch := s.Subscribe()

	for i := 0; i < subscriberBuffer; i++ {
		require.NoError(t, s.Publish(context.Background(), reading(machine.StageWaiting, 35)))
	}
	assert.ErrorIs(t, s.Publish(context.Background(), reading(machine.StageWaiting, 35)), publish.ErrDropped)
	assert.Len(t, ch, subscriberBuffer)

	s.Unsubscribe(id)
	assert.Equal(t, 0, s.SubscriberCount())

	require.NoError(t, s.Close())
	_, late := s.Subscribe()
	_, open := <-late
	assert.False(t, open)
}

func TestReadingStructConversion(t *testing.T) {
	r := reading(machine.StageCooling, 75.5)

	msg, err := ReadingToStruct(r)
	require.NoError(t, err)

	back, err := ReadingFromStruct(msg)
	require.NoError(t, err)
	assert.Equal(t, r, back)
}

func dialTelemetry(t *testing.T, latest LatestProvider) (*ReadingStreamer, *TelemetryClient) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	streamer := NewReadingStreamer()

	srv := grpc.NewServer()
	RegisterTelemetryServer(srv, NewTelemetryService(streamer, latest, zap.NewNop()))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return streamer, NewTelemetryClient(conn)
}

func TestLatest(t *testing.T) {
	registry := publish.NewNodeRegistry()
	_, client := dialTelemetry(t, registry)
	ctx := context.Background()

	_, err := client.Latest(ctx)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	want := reading(machine.StageHolding, 250)
	require.NoError(t, registry.Publish(ctx, want))

	msg, err := client.Latest(ctx)
	require.NoError(t, err)
	got, err := ReadingFromStruct(msg)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStreamReadingsFiltersStages(t *testing.T) {
	streamer, client := dialTelemetry(t, publish.NewNodeRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := structpb.NewStruct(map[string]interface{}{
		"stages": []interface{}{"Cooling"},
	})
	require.NoError(t, err)

	stream, err := client.StreamReadings(ctx, req)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return streamer.SubscriberCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, streamer.Publish(ctx, reading(machine.StageWaiting, 35)))
	require.NoError(t, streamer.Publish(ctx, reading(machine.StageCooling, 80)))

	msg, err := stream.Recv()
	require.NoError(t, err)
	got, err := ReadingFromStruct(msg)
	require.NoError(t, err)
	assert.Equal(t, machine.StageCooling, got.Stage)
	assert.Equal(t, 80.0, got.MeltTemp)
}

func TestStreamReadingsRejectsUnknownStage(t *testing.T) {
	_, client := dialTelemetry(t, publish.NewNodeRegistry())

	req, err := structpb.NewStruct(map[string]interface{}{
		"stages": []interface{}{"Moulding"},
	})
	require.NoError(t, err)

	stream, err := client.StreamReadings(context.Background(), req)
	require.NoError(t, err)

	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
