package visualiser

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cloudbridge.visualiser.v1.Visualiser"

const (
	streamFramesMethod   = "/" + ServiceName + "/StreamFrames"
	resetReferenceMethod = "/" + ServiceName + "/ResetReference"
)

// maxMsgSize fits full-resolution clouds. The gRPC default of 4 MB is too
// small for a 64k point frame.
const maxMsgSize = 16 * 1024 * 1024

// ResetRequest asks the pipeline to promote its latest frame to reference.
type ResetRequest struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

// ResetResponse describes the newly installed reference.
type ResetResponse struct {
	Version  uint64 `cbor:"1,keyasint"`
	SourceID string `cbor:"2,keyasint"`
	Sequence uint64 `cbor:"3,keyasint"`
	Points   int    `cbor:"4,keyasint"`
}

// FrameSender is the server side of a StreamFrames call.
type FrameSender interface {
	Send(*FrameBundle) error
	Context() context.Context
}

// VisualiserServer is the service implemented by Publisher.
type VisualiserServer interface {
	StreamFrames(*StreamRequest, FrameSender) error
	ResetReference(context.Context, *ResetRequest) (*ResetResponse, error)
}

type frameSender struct {
	grpc.ServerStream
}

func (s *frameSender) Send(b *FrameBundle) error { return s.ServerStream.SendMsg(b) }

func streamFramesHandler(srv any, stream grpc.ServerStream) error {
	req := new(StreamRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(VisualiserServer).StreamFrames(req, &frameSender{stream})
}

func resetReferenceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ResetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VisualiserServer).ResetReference(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: resetReferenceMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VisualiserServer).ResetReference(ctx, req.(*ResetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the visualiser service. Messages are CBOR encoded
// (content subtype "cbor"), so there is no generated protobuf stub.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VisualiserServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResetReference", Handler: resetReferenceHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamFrames", Handler: streamFramesHandler, ServerStreams: true},
	},
	Metadata: "cloudbridge/visualiser/v1",
}

// RegisterService registers srv on s.
func RegisterService(s grpc.ServiceRegistrar, srv VisualiserServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client talks to a visualiser service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target without transport security. Extra options are
// appended after the defaults.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	all := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(Codec),
			grpc.MaxCallRecvMsgSize(maxMsgSize),
		),
	}, opts...)
	conn, err := grpc.NewClient(target, all...)
	if err != nil {
		return nil, fmt.Errorf("dial visualiser %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// FrameStream receives bundles from a StreamFrames call.
type FrameStream struct {
	cs grpc.ClientStream
}

// Recv blocks until the next bundle arrives.
func (s *FrameStream) Recv() (*FrameBundle, error) {
	b := new(FrameBundle)
	if err := s.cs.RecvMsg(b); err != nil {
		return nil, err
	}
	return b, nil
}

// StreamFrames subscribes to render ticks. Cancel ctx to unsubscribe.
func (c *Client) StreamFrames(ctx context.Context, req *StreamRequest) (*FrameStream, error) {
	cs, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], streamFramesMethod)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{cs: cs}, nil
}

// ResetReference asks the server to promote its latest frame.
func (c *Client) ResetReference(ctx context.Context, reason string) (*ResetResponse, error) {
	out := new(ResetResponse)
	if err := c.conn.Invoke(ctx, resetReferenceMethod, &ResetRequest{Reason: reason}, out); err != nil {
		return nil, err
	}
	return out, nil
}
