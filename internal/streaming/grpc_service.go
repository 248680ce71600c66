package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	TelemetryServiceName                    = "moldsim.v1.Telemetry"
	Telemetry_Latest_FullMethodName         = "/moldsim.v1.Telemetry/Latest"
	Telemetry_StreamReadings_FullMethodName = "/moldsim.v1.Telemetry/StreamReadings"
)

// TelemetryServer is the server API of moldsim.v1.Telemetry. Readings travel
// as google.protobuf.Struct so no generated code is needed.
type TelemetryServer interface {
	Latest(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StreamReadings(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&Telemetry_ServiceDesc, srv)
}

func _Telemetry_Latest_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).Latest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Telemetry_Latest_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TelemetryServer).Latest(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Telemetry_StreamReadings_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TelemetryServer).StreamReadings(m, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var Telemetry_ServiceDesc = grpc.ServiceDesc{
	ServiceName: TelemetryServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Latest",
			Handler:    _Telemetry_Latest_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamReadings",
			Handler:       _Telemetry_StreamReadings_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "moldsim/v1/telemetry.proto",
}

// LatestProvider returns the most recent reading, if any.
type LatestProvider interface {
	Latest() (machine.Reading, bool)
}

type TelemetryService struct {
	streamer *ReadingStreamer
	latest   LatestProvider
	logger   *zap.Logger
}

func NewTelemetryService(streamer *ReadingStreamer, latest LatestProvider, logger *zap.Logger) *TelemetryService {
	return &TelemetryService{
		streamer: streamer,
		latest:   latest,
		logger:   logger,
	}
}

func (s *TelemetryService) Latest(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	r, ok := s.latest.Latest()
	if !ok {
		return nil, status.Error(codes.Unavailable, "no reading published yet")
	}
	return ReadingToStruct(r)
}

// StreamReadings sends every reading published after the call. The request
// may carry a "stages" list to filter by stage name.
func (s *TelemetryService) StreamReadings(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	filter, err := stageFilter(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	id, readings := s.streamer.Subscribe()
	defer s.streamer.Unsubscribe(id)

	s.logger.Debug("Telemetry stream opened", zap.String("subscriber", id.String()))

	for {
		select {
		case r, ok := <-readings:
			if !ok {
				return nil
			}
			if filter != nil && !filter[r.Stage] {
				continue
			}

			msg, err := ReadingToStruct(r)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func stageFilter(req *structpb.Struct) (map[machine.Stage]bool, error) {
	v, ok := req.GetFields()["stages"]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("stages must be a list")
	}

	filter := make(map[machine.Stage]bool, len(list.GetValues()))
	for _, item := range list.GetValues() {
		stage := machine.Stage(item.GetStringValue())
		if stage.Code() == 0 {
			return nil, fmt.Errorf("unknown stage %q", item.GetStringValue())
		}
		filter[stage] = true
	}
	return filter, nil
}

func ReadingToStruct(r machine.Reading) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"timestamp":           r.Timestamp.UTC().Format(time.RFC3339Nano),
		"stage":               string(r.Stage),
		"melt_temp":           r.MeltTemp,
		"injection_pressure":  r.InjectionPressure,
		"vibration_amplitude": r.VibrationAmplitude,
		"vibration_frequency": r.VibrationFrequency,
	})
}

func ReadingFromStruct(s *structpb.Struct) (machine.Reading, error) {
	fields := s.GetFields()

	ts, err := time.Parse(time.RFC3339Nano, fields["timestamp"].GetStringValue())
	if err != nil {
		return machine.Reading{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	return machine.Reading{
		Timestamp:          ts,
		Stage:              machine.Stage(fields["stage"].GetStringValue()),
		MeltTemp:           fields["melt_temp"].GetNumberValue(),
		InjectionPressure:  fields["injection_pressure"].GetNumberValue(),
		VibrationAmplitude: fields["vibration_amplitude"].GetNumberValue(),
		VibrationFrequency: fields["vibration_frequency"].GetNumberValue(),
	}, nil
}

// TelemetryClient is the client side of moldsim.v1.Telemetry.
type TelemetryClient struct {
	cc grpc.ClientConnInterface
}

func NewTelemetryClient(cc grpc.ClientConnInterface) *TelemetryClient {
	return &TelemetryClient{cc: cc}
}

func (c *TelemetryClient) Latest(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Telemetry_Latest_FullMethodName, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TelemetryClient) StreamReadings(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &Telemetry_ServiceDesc.Streams[0], Telemetry_StreamReadings_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
