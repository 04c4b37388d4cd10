package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	sessionServiceName = "souk.v1.SessionService"
	chatServiceName    = "souk.v1.ChatService"
)

// SessionServer is the server API of the session service.
type SessionServer interface {
	GetStatus(context.Context, *Empty) (*StatusResponse, error)
	SignIn(*Empty, grpc.ServerStreamingServer[SessionEvent]) error
	Logout(context.Context, *Empty) (*Empty, error)
	Watch(*Empty, grpc.ServerStreamingServer[SessionEvent]) error
}

// ChatServer is the server API of the chat service.
type ChatServer interface {
	Resolve(context.Context, *ChatRef) (*ChatInfo, error)
	Open(context.Context, *ChatRef) (*ChatInfo, error)
	Close(context.Context, *Empty) (*Empty, error)
	Watch(*Empty, grpc.ServerStreamingServer[ClustersEvent]) error
	SendText(context.Context, *SendTextRequest) (*Empty, error)
	SendProposal(context.Context, *SendProposalRequest) (*Empty, error)
	SendAvailability(context.Context, *SendAvailabilityRequest) (*Empty, error)
	ListOutbox(context.Context, *ListOutboxRequest) (*ListOutboxResponse, error)
	Resend(context.Context, *ResendRequest) (*Empty, error)
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: sessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(sessionServiceName, "GetStatus", SessionServer.GetStatus),
		unary(sessionServiceName, "Logout", SessionServer.Logout),
	},
	Streams: []grpc.StreamDesc{
		serverStream("SignIn", SessionServer.SignIn),
		serverStream("Watch", SessionServer.Watch),
	},
	Metadata: "souk/v1/session",
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: chatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(chatServiceName, "Resolve", ChatServer.Resolve),
		unary(chatServiceName, "Open", ChatServer.Open),
		unary(chatServiceName, "Close", ChatServer.Close),
		unary(chatServiceName, "SendText", ChatServer.SendText),
		unary(chatServiceName, "SendProposal", ChatServer.SendProposal),
		unary(chatServiceName, "SendAvailability", ChatServer.SendAvailability),
		unary(chatServiceName, "ListOutbox", ChatServer.ListOutbox),
		unary(chatServiceName, "Resend", ChatServer.Resend),
	},
	Streams: []grpc.StreamDesc{
		serverStream("Watch", ChatServer.Watch),
	},
	Metadata: "souk/v1/chat",
}

// RegisterSessionServer registers the session service on s.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&sessionServiceDesc, srv)
}

// RegisterChatServer registers the chat service on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&chatServiceDesc, srv)
}

// SessionClient calls the session service.
type SessionClient struct {
	cc grpc.ClientConnInterface
}

func (c *SessionClient) GetStatus(ctx context.Context) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.cc.Invoke(ctx, "/"+sessionServiceName+"/GetStatus", &Empty{}, out, jsonCall); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SessionClient) SignIn(ctx context.Context) (grpc.ServerStreamingClient[SessionEvent], error) {
	return openStream[Empty, SessionEvent](ctx, c.cc, &sessionServiceDesc.Streams[0], "/"+sessionServiceName+"/SignIn", &Empty{})
}

func (c *SessionClient) Logout(ctx context.Context) error {
	return c.cc.Invoke(ctx, "/"+sessionServiceName+"/Logout", &Empty{}, &Empty{}, jsonCall)
}

func (c *SessionClient) Watch(ctx context.Context) (grpc.ServerStreamingClient[SessionEvent], error) {
	return openStream[Empty, SessionEvent](ctx, c.cc, &sessionServiceDesc.Streams[1], "/"+sessionServiceName+"/Watch", &Empty{})
}

// ChatClient calls the chat service.
type ChatClient struct {
	cc grpc.ClientConnInterface
}

func (c *ChatClient) Resolve(ctx context.Context, ref ChatRef) (*ChatInfo, error) {
	out := new(ChatInfo)
	if err := c.cc.Invoke(ctx, "/"+chatServiceName+"/Resolve", &ref, out, jsonCall); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChatClient) Open(ctx context.Context, ref ChatRef) (*ChatInfo, error) {
	out := new(ChatInfo)
	if err := c.cc.Invoke(ctx, "/"+chatServiceName+"/Open", &ref, out, jsonCall); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChatClient) Close(ctx context.Context) error {
	return c.cc.Invoke(ctx, "/"+chatServiceName+"/Close", &Empty{}, &Empty{}, jsonCall)
}

func (c *ChatClient) Watch(ctx context.Context) (grpc.ServerStreamingClient[ClustersEvent], error) {
	return openStream[Empty, ClustersEvent](ctx, c.cc, &chatServiceDesc.Streams[0], "/"+chatServiceName+"/Watch", &Empty{})
}

func (c *ChatClient) SendText(ctx context.Context, req SendTextRequest) error {
	return c.cc.Invoke(ctx, "/"+chatServiceName+"/SendText", &req, &Empty{}, jsonCall)
}

func (c *ChatClient) SendProposal(ctx context.Context, req SendProposalRequest) error {
	return c.cc.Invoke(ctx, "/"+chatServiceName+"/SendProposal", &req, &Empty{}, jsonCall)
}

func (c *ChatClient) SendAvailability(ctx context.Context, req SendAvailabilityRequest) error {
	return c.cc.Invoke(ctx, "/"+chatServiceName+"/SendAvailability", &req, &Empty{}, jsonCall)
}

func (c *ChatClient) ListOutbox(ctx context.Context, req ListOutboxRequest) (*ListOutboxResponse, error) {
	out := new(ListOutboxResponse)
	if err := c.cc.Invoke(ctx, "/"+chatServiceName+"/ListOutbox", &req, out, jsonCall); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChatClient) Resend(ctx context.Context, clientMsgID string) error {
	return c.cc.Invoke(ctx, "/"+chatServiceName+"/Resend", &ResendRequest{ClientMsgID: clientMsgID}, &Empty{}, jsonCall)
}
