package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName   = "selfupdate.Installer"
	sessionMethod = "/" + serviceName + "/Session"
)

// serviceDesc describes the installer service: a single bidirectional stream of requests and events
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "selfupdate/installer",
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(Handler).Serve(&grpcServerConn{stream: stream})
}

type grpcServerConn struct {
	stream grpc.ServerStream
}

func (c *grpcServerConn) Send(ev *Event) error {
	return c.stream.SendMsg(ev)
}

func (c *grpcServerConn) Recv() (*Request, error) {
	req := new(Request)
	if err := c.stream.RecvMsg(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (c *grpcServerConn) Context() context.Context {
	return c.stream.Context()
}

// Server exposes a Handler on a unix socket
type Server struct {
	socketPath string
	listener   net.Listener
	grpc       *grpc.Server
}

// Listen binds the socket, replacing a stale one left by a previous run
func Listen(socketPath string, h Handler) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	// the host runs unprivileged
	if err := os.Chmod(socketPath, 0o666); err != nil {
		log.Warnf("failed to set socket permissions: %v", err)
	}

	s := grpc.NewServer()
	s.RegisterService(&serviceDesc, h)

	return &Server{
		socketPath: socketPath,
		listener:   listener,
		grpc:       s,
	}, nil
}

// Serve blocks until Stop is called
func (s *Server) Serve() error {
	log.Infof("installer listening on %s", s.socketPath)
	if err := s.grpc.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop closes the listener and every open session
func (s *Server) Stop() {
	s.grpc.Stop()
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debugf("failed to remove socket: %v", err)
	}
}

type grpcClientConn struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// Dial opens a session stream to the installer listening on socketPath
func Dial(ctx context.Context, socketPath string) (ClientConn, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create installer client: %w", err)
	}

	// the stream outlives the dial context
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], sessionMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("open installer session: %w", err)
	}

	return &grpcClientConn{conn: conn, stream: stream, cancel: cancel}, nil
}

func (c *grpcClientConn) Send(req *Request) error {
	return c.stream.SendMsg(req)
}

func (c *grpcClientConn) Recv() (*Event, error) {
	ev := new(Event)
	if err := c.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *grpcClientConn) Close() error {
	_ = c.stream.CloseSend()
	c.cancel()
	return c.conn.Close()
}
