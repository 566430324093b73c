package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"divetrader/internal/backtest"
	"divetrader/internal/config"
	"divetrader/internal/domain"
)

// Fully qualified gRPC names. Messages are google.protobuf.Struct so the
// service needs no generated code.
const (
	ServiceName          = "divetrader.v1.BacktestService"
	RunMethod            = "/" + ServiceName + "/Run"
	ListStrategiesMethod = "/" + ServiceName + "/ListStrategies"
)

// BacktestServer is the server API of the backtest service.
type BacktestServer interface {
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListStrategies(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// BacktestService runs backtests on request.
type BacktestService struct {
	svc *backtest.Service
}

// NewBacktestService creates a BacktestService backed by svc.
func NewBacktestService(svc *backtest.Service) *BacktestService {
	return &BacktestService{svc: svc}
}

// runRequest is the decoded Run request. Keys follow the YAML config, so a
// strategy block from a config file can be sent as is.
type runRequest struct {
	Strategy       config.StrategyConfig `yaml:"strategy"`
	Start          string                `yaml:"start"`
	End            string                `yaml:"end"`
	Interval       time.Duration         `yaml:"interval"`
	InitialCapital float64               `yaml:"initial_capital"`
}

// Run executes one backtest. The response holds the JSON form of
// backtest.Result: metrics, trade_ledger, equity_curve and data_source.
func (s *BacktestService) Run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRunRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.svc.Run(ctx, req)
	if err != nil {
		return nil, statusFor(err)
	}
	out, err := toStruct(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding result: %v", err)
	}
	return out, nil
}

// ListStrategies returns the registered strategy kinds under "kinds".
func (s *BacktestService) ListStrategies(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	kinds := s.svc.Strategies()
	list := make([]any, len(kinds))
	for i, k := range kinds {
		list[i] = k
	}
	out, err := structpb.NewStruct(map[string]any{"kinds": list})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding kinds: %v", err)
	}
	return out, nil
}

func decodeRunRequest(in *structpb.Struct) (backtest.Request, error) {
	var rr runRequest
	data, err := yaml.Marshal(in.AsMap())
	if err != nil {
		return backtest.Request{}, fmt.Errorf("encoding request: %w", err)
	}
	if err := yaml.Unmarshal(data, &rr); err != nil {
		return backtest.Request{}, fmt.Errorf("decoding request: %w", err)
	}
	req := backtest.Request{
		Strategy:       rr.Strategy,
		Interval:       rr.Interval,
		InitialCapital: rr.InitialCapital,
	}
	if rr.Start != "" {
		if req.Start, err = time.Parse("2006-01-02", rr.Start); err != nil {
			return backtest.Request{}, fmt.Errorf("start: %w", err)
		}
	}
	if rr.End != "" {
		if req.End, err = time.Parse("2006-01-02", rr.End); err != nil {
			return backtest.Request{}, fmt.Errorf("end: %w", err)
		}
	}
	return req, nil
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// statusFor maps domain errors to gRPC codes.
func statusFor(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidConfig), errors.Is(err, domain.ErrUnknownStrategy):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrDataUnavailable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ---------------------------------------------------------------------------
// Service descriptor
// ---------------------------------------------------------------------------

// RegisterBacktestServer registers srv on s.
func RegisterBacktestServer(s grpc.ServiceRegistrar, srv BacktestServer) {
	s.RegisterService(&backtestServiceDesc, srv)
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BacktestServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BacktestServer).Run(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listStrategiesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BacktestServer).ListStrategies(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListStrategiesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BacktestServer).ListStrategies(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var backtestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BacktestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "ListStrategies", Handler: listStrategiesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "divetrader/v1/backtest.proto",
}

// Compile-time interface check.
var _ BacktestServer = (*BacktestService)(nil)
