package api

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"NetSimCore/internal/routing"
)

// RouterControlServiceName is the fully qualified gRPC service name.
const RouterControlServiceName = "netsim.v1.RouterControl"

// RouterControlServer is the server API for the RouterControl service.
//
// Messages are protobuf well-known types: metrics and routes travel as
// google.protobuf.Struct, addresses and prefixes as StringValue.
type RouterControlServer interface {
	GetMetrics(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	LookupRoute(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	AddRoute(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	RemoveRoute(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
}

func unary[Req proto.Message](name string, newReq func() Req,
	call func(RouterControlServer, context.Context, Req) (proto.Message, error)) grpc.MethodDesc {
	fullMethod := "/" + RouterControlServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RouterControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RouterControlServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// RouterControlServiceDesc describes the RouterControl service.
var RouterControlServiceDesc = grpc.ServiceDesc{
	ServiceName: RouterControlServiceName,
	HandlerType: (*RouterControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetMetrics", func() *emptypb.Empty { return new(emptypb.Empty) },
			func(s RouterControlServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.GetMetrics(ctx, in)
			}),
		unary("LookupRoute", func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
			func(s RouterControlServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
				return s.LookupRoute(ctx, in)
			}),
		unary("AddRoute", func() *structpb.Struct { return new(structpb.Struct) },
			func(s RouterControlServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
				return s.AddRoute(ctx, in)
			}),
		unary("RemoveRoute", func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
			func(s RouterControlServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
				return s.RemoveRoute(ctx, in)
			}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "netsim/v1/router_control.proto",
}

// RegisterGRPC registers the RouterControl service on gs.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&RouterControlServiceDesc, &controlService{s})
}

type controlService struct {
	*Server
}

func (c *controlService) GetMetrics(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap := c.backend.MetricsSnapshot()
	rs := c.backend.RoutingStats()
	ps := c.backend.PoolStats()

	drops := make(map[string]any)
	for reason, v := range snap.DropsByReason() {
		drops[reason] = v
	}
	out, err := structpb.NewStruct(map[string]any{
		"packets_processed":  snap.PacketsProcessed,
		"packets_dropped":    snap.PacketsDropped,
		"packets_forwarded":  snap.PacketsForwarded,
		"packets_routed":     snap.PacketsRouted,
		"packets_local":      snap.PacketsLocal,
		"bytes_processed":    snap.BytesProcessed,
		"routing_control":    snap.RoutingControl,
		"errors":             snap.Errors,
		"drops":              drops,
		"drop_rate":          snap.DropRate(),
		"latency_avg_ns":     snap.LatencyAvgNs,
		"latency_min_ns":     snap.LatencyMinNs,
		"latency_max_ns":     snap.LatencyMaxNs,
		"packets_per_second": snap.PacketsPerSecond,
		"uptime_seconds":     snap.Uptime.Seconds(),
		"routes":             rs.Routes,
		"cache_hit_rate":     rs.HitRate(),
		"pool_size":          ps.PoolSize,
		"pool_outstanding":   ps.Outstanding,
		"active_flows":       c.backend.ActiveFlowCount(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode metrics: %v", err)
	}
	return out, nil
}

func (c *controlService) LookupRoute(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	addr, err := netip.ParseAddr(in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid address %q: %v", in.GetValue(), err)
	}
	r, ok := c.backend.LookupRoute(addr)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no route to %s", addr)
	}
	return routeStruct(r)
}

func (c *controlService) AddRoute(ctx context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error) {
	fields := in.GetFields()
	req := RouteRequest{
		Prefix:        fields["prefix"].GetStringValue(),
		NextHop:       fields["next_hop"].GetStringValue(),
		Interface:     fields["interface"].GetStringValue(),
		Metric:        uint32(fields["metric"].GetNumberValue()),
		AdminDistance: uint8(fields["admin_distance"].GetNumberValue()),
	}
	r, err := req.Route()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	installed, err := c.backend.AddRoute(r)
	if err != nil {
		if errors.Is(err, routing.ErrInvalidRoute) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	c.logger.Info("Route added over gRPC", zap.Stringer("route", r), zap.Bool("installed", installed))
	return wrapperspb.Bool(installed), nil
}

func (c *controlService) RemoveRoute(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	prefix, err := netip.ParsePrefix(in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid prefix %q: %v", in.GetValue(), err)
	}
	return wrapperspb.Bool(c.backend.RemoveRoute(prefix.Masked())), nil
}

func routeStruct(r routing.Route) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(map[string]any{
		"prefix":         r.Prefix.String(),
		"next_hop":       r.NextHop.String(),
		"interface":      r.Interface,
		"metric":         r.Metric,
		"admin_distance": uint32(r.AdminDistance),
		"protocol":       r.Protocol,
		"connected":      r.Connected(),
		"added_at":       r.AddedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode route: %v", err)
	}
	return out, nil
}

// RouterControlClient is a client for the RouterControl service.
type RouterControlClient struct {
	cc grpc.ClientConnInterface
}

// NewRouterControlClient wraps a client connection.
func NewRouterControlClient(cc grpc.ClientConnInterface) *RouterControlClient {
	return &RouterControlClient{cc: cc}
}

func (c *RouterControlClient) invoke(ctx context.Context, method string, in, out proto.Message, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+RouterControlServiceName+"/"+method, in, out, opts...)
}

// GetMetrics fetches the router counters.
func (c *RouterControlClient) GetMetrics(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetMetrics", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// LookupRoute resolves the route used for addr.
func (c *RouterControlClient) LookupRoute(ctx context.Context, addr string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "LookupRoute", wrapperspb.String(addr), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// AddRoute installs a route and reports whether it became active.
func (c *RouterControlClient) AddRoute(ctx context.Context, req RouteRequest, opts ...grpc.CallOption) (bool, error) {
	in, err := structpb.NewStruct(map[string]any{
		"prefix":         req.Prefix,
		"next_hop":       req.NextHop,
		"interface":      req.Interface,
		"metric":         req.Metric,
		"admin_distance": uint32(req.AdminDistance),
	})
	if err != nil {
		return false, err
	}
	out := new(wrapperspb.BoolValue)
	if err := c.invoke(ctx, "AddRoute", in, out, opts...); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// RemoveRoute withdraws the route for prefix and reports whether one existed.
func (c *RouterControlClient) RemoveRoute(ctx context.Context, prefix string, opts ...grpc.CallOption) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.invoke(ctx, "RemoveRoute", wrapperspb.String(prefix), out, opts...); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}
