package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/homeconnect/internal/broadcast"
)

const (
	// HealthService is SERVING while the session is authenticated.
	HealthService = "homeconnect"

	NotificationsService = "homeconnect.v1.Notifications"
	WatchMethod          = "/" + NotificationsService + "/Watch"

	// InstanceMetadataKey carries the client instance ID of a watcher.
	InstanceMetadataKey = "x-instance-id"
)

// GRPCServer wraps a gRPC server and listener.
type GRPCServer struct {
	Server   *grpc.Server
	Listener net.Listener
	health   *health.Server
}

func NewGRPCServer(addr string, sess Session, log zerolog.Logger) (*GRPCServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newGRPCServer(ln, sess, log), nil
}

func newGRPCServer(ln net.Listener, sess Session, log zerolog.Logger) *GRPCServer {
	s := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	s.RegisterService(&notificationsServiceDesc, &Notifications{
		session: sess,
		log:     log.With().Str("component", "grpc").Logger(),
	})
	reflection.Register(s)

	return &GRPCServer{Server: s, Listener: ln, health: hs}
}

func (s *GRPCServer) Serve() error {
	return s.Server.Serve(s.Listener)
}

// SetAuthenticated flips the health status of HealthService.
func (s *GRPCServer) SetAuthenticated(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
}

func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.Server.GracefulStop()
}

// NotificationsServer streams front-end notifications.
type NotificationsServer interface {
	Watch(*emptypb.Empty, grpc.ServerStream) error
}

var notificationsServiceDesc = grpc.ServiceDesc{
	ServiceName: NotificationsService,
	HandlerType: (*NotificationsServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: notificationsProtoFile,
}

const notificationsProtoFile = "homeconnect/v1/notifications.proto"

// The service is registered by hand, so its descriptor is built here and
// added to the global registry for reflection to serve.
func init() {
	fd, err := protodesc.NewFile(notificationsFileProto(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("build %s descriptor: %v", notificationsProtoFile, err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("register %s: %v", notificationsProtoFile, err))
	}
}

func notificationsFileProto() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(notificationsProtoFile),
		Package: proto.String("homeconnect.v1"),
		Syntax:  proto.String("proto3"),
		Dependency: []string{
			"google/protobuf/empty.proto",
			"google/protobuf/struct.proto",
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("Notifications"),
			Method: []*descriptorpb.MethodDescriptorProto{{
				Name:            proto.String("Watch"),
				InputType:       proto.String(".google.protobuf.Empty"),
				OutputType:      proto.String(".google.protobuf.Struct"),
				ServerStreaming: proto.Bool(true),
			}},
		}},
	}
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(NotificationsServer).Watch(in, stream)
}

// Notifications registers each watcher as a client instance and performs
// the CONFIG handshake for it.
type Notifications struct {
	session Session
	log     zerolog.Logger
}

func (n *Notifications) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	instanceID := instanceFromMetadata(ctx)
	sink := broadcast.NewChanSink(sinkBuffer)
	n.session.RegisterClient(instanceID, sink)
	frontends.WithLabelValues("grpc").Inc()
	defer func() {
		n.session.UnregisterClient(instanceID, sink)
		frontends.WithLabelValues("grpc").Dec()
	}()

	log := n.log.With().Str("instance", instanceID).Logger()
	log.Info().Msg("watcher connected")
	go func() {
		if err := n.session.RequestInitialization(context.WithoutCancel(ctx), instanceID); err != nil {
			log.Debug().Err(err).Msg("watcher initialization finished with error")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("watcher disconnected")
			return nil
		case env := <-sink.C():
			msg, err := EnvelopeStruct(env)
			if err != nil {
				log.Warn().Err(err).Msg("encode notification failed")
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func instanceFromMetadata(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(InstanceMetadataKey); len(values) > 0 && values[0] != "" {
			return values[0]
		}
	}
	return uuid.NewString()
}

// EnvelopeStruct converts an envelope to the JSON shape websocket clients
// receive.
func EnvelopeStruct(env broadcast.Envelope) (*structpb.Struct, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return structpb.NewStruct(fields)
}
