package telemetry

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/uwb.report/internal/monitoring"
)

// ServiceName is the gRPC service carrying the telemetry stream.
const ServiceName = "uwb.telemetry.Telemetry"

// StreamMethod is the full method name of the server-streaming RPC. Each
// message is a google.protobuf.Struct with the JSON fields of Record.
const StreamMethod = "/" + ServiceName + "/Stream"

// TelemetryServer is the server API of the telemetry service.
type TelemetryServer interface {
	Stream(req *emptypb.Empty, stream grpc.ServerStream) error
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TelemetryServer).Stream(req, stream)
}

// ServiceDesc describes the telemetry service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "uwb/telemetry.proto",
}

// Server streams published records to gRPC clients.
type Server struct {
	pub *Publisher

	mu     sync.Mutex
	server *grpc.Server
	lis    net.Listener
	wg     sync.WaitGroup
}

var _ TelemetryServer = (*Server)(nil)

// NewServer returns a server over pub.
func NewServer(pub *Publisher) *Server {
	return &Server{pub: pub}
}

// Stream implements TelemetryServer.
func (s *Server) Stream(_ *emptypb.Empty, stream grpc.ServerStream) error {
	id, records := s.pub.Subscribe(DefaultSubscriberBuffer)
	defer s.pub.Unsubscribe(id)
	monitoring.Logf("[gRPC] telemetry client %s connected", id)
	defer monitoring.Logf("[gRPC] telemetry client %s disconnected", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-records:
			if !ok {
				return nil
			}
			msg, err := r.Struct()
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Register adds the telemetry service to reg.
func (s *Server) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&ServiceDesc, s)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("telemetry server already running")
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.lis = lis
	s.server = grpc.NewServer()
	s.Register(s.server)

	srv := s.server
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Logf("[gRPC] telemetry listening on %s", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			monitoring.Logf("[gRPC] telemetry server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop stops the server, ending open streams.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	srv.Stop()
	s.wg.Wait()
}

// Client reads the telemetry stream from a remote server.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Stream opens the telemetry stream and calls fn with each message until
// ctx is done, the server ends the stream, or fn returns an error.
func (c *Client) Stream(ctx context.Context, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], StreamMethod)
	if err != nil {
		return fmt.Errorf("open telemetry stream: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
