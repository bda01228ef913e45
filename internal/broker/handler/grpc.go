package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"auction-tracker/backend/internal/broker/service"
	eventdomain "auction-tracker/backend/internal/event/domain"
	"auction-tracker/backend/internal/server/interceptors"
)

// PeerServiceName is the gRPC service carrying the persistent peer stream.
const PeerServiceName = "auctiontracker.v1.PeerService"

// ConnectMethod is the full method name of the peer stream.
const ConnectMethod = "/" + PeerServiceName + "/Connect"

// CodecName is the content-subtype peers must use on the peer stream.
const CodecName = "json"

// jsonCodec carries frames as JSON so the peer stream uses the same documents as the WebSocket.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// PeerServiceServer is the server API of PeerService.
type PeerServiceServer interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(PeerServiceServer).Connect(stream)
}

// PeerServiceDesc describes PeerService for grpc.Server.RegisterService.
var PeerServiceDesc = grpc.ServiceDesc{
	ServiceName: PeerServiceName,
	HandlerType: (*PeerServiceServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Connect",
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "auctiontracker/v1/peer.proto",
}

// RegisterPeerServiceServer registers srv on s.
func RegisterPeerServiceServer(s grpc.ServiceRegistrar, srv PeerServiceServer) {
	s.RegisterService(&PeerServiceDesc, srv)
}

var errAuthenticationFailed = errors.New("authentication failed")

const closeGrace = 100 * time.Millisecond

// PeerServer runs peer streams against the broker.
type PeerServer struct {
	broker     *service.Broker
	outboxSize int
}

// NewPeerServer returns a PeerServer. outboxSize <= 0 uses DefaultOutboxSize.
func NewPeerServer(b *service.Broker, outboxSize int) *PeerServer {
	return &PeerServer{broker: b, outboxSize: outboxSize}
}

// Connect runs one peer stream. Frames and pushes are the WebSocket documents; the first useful
// frame is authenticate. The stream ends when the peer closes it, authentication fails or the
// broker closes the connection.
func (s *PeerServer) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	conn := newOutbox(interceptors.ClientIP(ctx), s.outboxSize)
	if err := s.broker.OnConnect(conn); err != nil {
		return status.Error(codes.Unavailable, "broker is shutting down")
	}
	defer func() {
		s.broker.OnDisconnect(conn)
		_ = conn.Close()
	}()

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- s.recvLoop(ctx, stream, conn)
	}()

	for {
		select {
		case p := <-conn.ch:
			if err := stream.SendMsg(&p); err != nil {
				return err
			}
		case err := <-recvErr:
			return recvStatus(err)
		case <-conn.done:
			// A failed authentication closes the connection just before recvLoop reports it.
			select {
			case err := <-recvErr:
				return recvStatus(err)
			case <-time.After(closeGrace):
			}
			return status.Error(codes.Aborted, "connection closed by broker")
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

func recvStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errAuthenticationFailed):
		return status.Error(codes.Unauthenticated, "invalid token")
	default:
		return err
	}
}

func (s *PeerServer) recvLoop(ctx context.Context, stream grpc.ServerStream, conn *outbox) error {
	for {
		var f eventdomain.Frame
		if err := stream.RecvMsg(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if status.Code(err) != codes.Canceled {
				log.Printf("grpc: recv from %s: %v", conn.id, err)
			}
			return err
		}
		if !dispatch(ctx, s.broker, conn, f) {
			return errAuthenticationFailed
		}
	}
}
