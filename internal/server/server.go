// ============================================================================
// proctor-guard Control Service
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Host control surface of a running supervisor, served as the
//          gRPC service proctor.v1.Control on a local Unix socket.
//
//   proctor status / send / export ...
//        │  grpc (content-subtype json)
//        ▼
//   unix socket ──▶ Server ──▶ Supervisor   (status, start, stop, send, broadcast)
//                         ├──▶ Gate         (permissions, request)
//                         └──▶ Aggregator   (active violations, export)
//
// Every call is answered from snapshot copies; nothing here waits on a
// worker process.
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/proctor-guard/internal/aggregator"
	"github.com/ChuLiYu/proctor-guard/internal/clock"
	"github.com/ChuLiYu/proctor-guard/internal/logging"
	"github.com/ChuLiYu/proctor-guard/internal/permission"
	"github.com/ChuLiYu/proctor-guard/internal/supervisor"
	"github.com/ChuLiYu/proctor-guard/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var log = logging.Logger()

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "proctor.v1.Control"

// ============================================================================
// Backends
// ============================================================================

type Supervisor interface {
	StartAll(ctx context.Context) (supervisor.StartResult, error)
	StartWorker(key string) error
	Status() map[string]types.WorkerStatus
	StopWorker(key string) error
	Send(key, cmd string, args map[string]any) error
	Broadcast(cmd string, args map[string]any) []string
}

type Permissions interface {
	CheckAll(ctx context.Context) types.PermissionSnapshot
	Snapshot() types.PermissionSnapshot
	Missing() []string
	Request(ctx context.Context, key string) (bool, error)
}

type Violations interface {
	Active() []types.Violation
	Counts() aggregator.SeverityCounts
	Export(now time.Time) aggregator.ExportDocument
}

// ControlServer is the service interface registered with gRPC.
type ControlServer interface {
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	StartAll(context.Context, *StartAllRequest) (*StartAllResponse, error)
	StartWorker(context.Context, *StartWorkerRequest) (*Ack, error)
	StopWorker(context.Context, *StopWorkerRequest) (*Ack, error)
	SendCommand(context.Context, *SendCommandRequest) (*Ack, error)
	Broadcast(context.Context, *BroadcastRequest) (*BroadcastResponse, error)
	Export(context.Context, *ExportRequest) (*ExportResponse, error)
	Permissions(context.Context, *PermissionsRequest) (*PermissionsResponse, error)
	RequestPermission(context.Context, *RequestPermissionRequest) (*RequestPermissionResponse, error)
}

// Server implements ControlServer over the running components.
type Server struct {
	sup   Supervisor
	perms Permissions
	viol  Violations
	clk   clock.Clock
}

// NewServer wires the control service. clk defaults to the real clock.
func NewServer(sup Supervisor, perms Permissions, viol Violations, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.Real()
	}
	return &Server{sup: sup, perms: perms, viol: viol, clk: clk}
}

// ============================================================================
// RPC handlers
// ============================================================================

func (s *Server) Status(ctx context.Context, _ *StatusRequest) (*StatusResponse, error) {
	return &StatusResponse{
		Workers:          s.sup.Status(),
		Permissions:      s.perms.Snapshot(),
		ActiveViolations: s.viol.Active(),
		Counts:           s.viol.Counts(),
	}, nil
}

func (s *Server) StartAll(ctx context.Context, _ *StartAllRequest) (*StartAllResponse, error) {
	result, err := s.sup.StartAll(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StartAllResponse{Result: result}, nil
}

func (s *Server) StartWorker(ctx context.Context, req *StartWorkerRequest) (*Ack, error) {
	if err := s.sup.StartWorker(req.Worker); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{}, nil
}

func (s *Server) StopWorker(ctx context.Context, req *StopWorkerRequest) (*Ack, error) {
	if err := s.sup.StopWorker(req.Worker); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{}, nil
}

func (s *Server) SendCommand(ctx context.Context, req *SendCommandRequest) (*Ack, error) {
	if req.Command == "" {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	if err := s.sup.Send(req.Worker, req.Command, req.Args); err != nil {
		return nil, toStatus(err)
	}
	return &Ack{}, nil
}

func (s *Server) Broadcast(ctx context.Context, req *BroadcastRequest) (*BroadcastResponse, error) {
	if req.Command == "" {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	return &BroadcastResponse{Delivered: s.sup.Broadcast(req.Command, req.Args)}, nil
}

func (s *Server) Export(ctx context.Context, _ *ExportRequest) (*ExportResponse, error) {
	return &ExportResponse{Document: s.viol.Export(s.clk.Now())}, nil
}

func (s *Server) Permissions(ctx context.Context, req *PermissionsRequest) (*PermissionsResponse, error) {
	snap := s.perms.Snapshot()
	if req.Recheck {
		snap = s.perms.CheckAll(ctx)
	}
	return &PermissionsResponse{Snapshot: snap, Missing: s.perms.Missing()}, nil
}

func (s *Server) RequestPermission(ctx context.Context, req *RequestPermissionRequest) (*RequestPermissionResponse, error) {
	granted, err := s.perms.Request(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RequestPermissionResponse{Granted: granted, Snapshot: s.perms.Snapshot()}, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, supervisor.ErrUnknownWorker), errors.Is(err, permission.ErrUnknownPermission):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, supervisor.ErrNotRunning), errors.Is(err, supervisor.ErrPermissionsMissing):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, supervisor.ErrShutdown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// Service descriptor
// ============================================================================

func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			cs := srv.(ControlServer)
			if interceptor == nil {
				return call(cs, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(cs, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes proctor.v1.Control for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ControlServer.Status),
		unary("StartAll", ControlServer.StartAll),
		unary("StartWorker", ControlServer.StartWorker),
		unary("StopWorker", ControlServer.StopWorker),
		unary("SendCommand", ControlServer.SendCommand),
		unary("Broadcast", ControlServer.Broadcast),
		unary("Export", ControlServer.Export),
		unary("Permissions", ControlServer.Permissions),
		unary("RequestPermission", ControlServer.RequestPermission),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proctor/v1/control",
}

func logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Warn("control call failed", "method", info.FullMethod, "error", err, "duration", time.Since(start))
	} else {
		log.Debug("control call", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// ============================================================================
// Listener lifecycle
// ============================================================================

// Listen opens the control socket. A leftover socket file from a previous
// run is removed unless something still answers on it.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if c, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
			c.Close()
			return nil, fmt.Errorf("control socket %s is in use", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return lis, nil
}

// Serve runs the control service on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(logCalls))
	gs.RegisterService(&ServiceDesc, s)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	log.Info("control service listening", "addr", lis.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		return nil
	}
}
