package grpcapi

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName      = "voice.orchestrator.v1.CallService"
	callStreamMethod = "/" + ServiceName + "/CallStream"
)

// CallServiceServer handles the bidirectional call stream.
type CallServiceServer interface {
	CallStream(stream CallStream) error
}

// CallStream is the server side of one call stream.
type CallStream interface {
	Send(*ServerMessage) error
	Recv() (*ClientMessage, error)
	Context() context.Context
}

type callStreamServer struct {
	grpc.ServerStream
}

func (s *callStreamServer) Send(m *ServerMessage) error { return s.ServerStream.SendMsg(m) }

func (s *callStreamServer) Recv() (*ClientMessage, error) {
	m := new(ClientMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func callStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(CallServiceServer).CallStream(&callStreamServer{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CallServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "CallStream",
			Handler:       callStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "voice/orchestrator/v1/call.proto",
}

// RegisterCallServiceServer registers srv on g.
func RegisterCallServiceServer(g grpc.ServiceRegistrar, srv CallServiceServer) {
	g.RegisterService(&serviceDesc, srv)
}

// CallStreamClient is the client side of one call stream.
type CallStreamClient interface {
	Send(*ClientMessage) error
	Recv() (*ServerMessage, error)
	CloseSend() error
}

type callStreamClient struct {
	grpc.ClientStream
}

func (c *callStreamClient) Send(m *ClientMessage) error { return c.ClientStream.SendMsg(m) }

func (c *callStreamClient) Recv() (*ServerMessage, error) {
	m := new(ServerMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// OpenCallStream opens a call stream on cc using the JSON codec.
func OpenCallStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (CallStreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], callStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &callStreamClient{stream}, nil
}
