package rpc

import (
	"context"
	"time"

	"github.com/matheus3301/souk/internal/bus"
	"github.com/matheus3301/souk/internal/chat"
	"github.com/matheus3301/souk/internal/logging"
	"github.com/matheus3301/souk/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Conversation is the live view of the open conversation.
type Conversation interface {
	Subscribe(ctx context.Context, info chat.ChatInfo) error
	Unsubscribe()
	Info() (chat.ChatInfo, bool)
	Clusters() []chat.Cluster
}

// Sender resolves conversations and sends messages.
type Sender interface {
	ResolveChatID(ctx context.Context, listingID, buyerID, sellerID string) (string, error)
	SendText(ctx context.Context, info chat.ChatInfo, text string, images []string) error
	SendAvailability(ctx context.Context, info chat.ChatInfo, blocks []chat.AvailabilityBlock) error
	SendProposal(ctx context.Context, info chat.ChatInfo, start, end time.Time, accepted *bool) error
}

// OutboxReader lists journaled outgoing messages.
type OutboxReader interface {
	ListOutbox(status store.OutboxStatus, limit int) ([]store.OutboxEntry, error)
}

// Resender sends a failed journaled message again.
type Resender interface {
	Resend(ctx context.Context, clientMsgID string) error
}

// ChatService implements the ChatService gRPC service.
type ChatService struct {
	conv     Conversation
	sender   Sender
	outbox   OutboxReader
	resender Resender
	bus      *bus.Bus
	log      *zap.Logger
}

// NewChatService creates the chat service.
func NewChatService(conv Conversation, sender Sender, outbox OutboxReader, resender Resender, b *bus.Bus, log *zap.Logger) *ChatService {
	log = logging.OrNop(log)
	return &ChatService{conv: conv, sender: sender, outbox: outbox, resender: resender, bus: b, log: log}
}

func (s *ChatService) Resolve(ctx context.Context, req *ChatRef) (*ChatInfo, error) {
	if err := validRef(req); err != nil {
		return nil, err
	}
	id, err := s.sender.ResolveChatID(ctx, req.ListingID, req.BuyerID, req.SellerID)
	if err != nil {
		return nil, toStatus("resolve chat", err)
	}
	return &ChatInfo{ChatID: id, ChatRef: *req}, nil
}

// Open resolves the conversation and starts streaming it, replacing any
// conversation already open. The subscription outlives the call.
func (s *ChatService) Open(ctx context.Context, req *ChatRef) (*ChatInfo, error) {
	info, err := s.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	ci := chat.ChatInfo{ID: info.ChatID, ListingID: req.ListingID, BuyerID: req.BuyerID, SellerID: req.SellerID}
	if err := s.conv.Subscribe(context.WithoutCancel(ctx), ci); err != nil {
		return nil, toStatus("open chat", err)
	}
	return info, nil
}

func (s *ChatService) Close(_ context.Context, _ *Empty) (*Empty, error) {
	s.conv.Unsubscribe()
	return &Empty{}, nil
}

// Watch streams the cluster list of the open conversation, starting with the
// current one when a conversation is open.
func (s *ChatService) Watch(_ *Empty, stream grpc.ServerStreamingServer[ClustersEvent]) error {
	ch, unsub := s.bus.Subscribe("chat.", 64)
	defer unsub()

	if info, ok := s.conv.Info(); ok {
		if err := stream.Send(clustersToView(info.ID, s.conv.Clusters())); err != nil {
			return err
		}
	}
	for {
		select {
		case evt := <-ch:
			switch p := evt.Payload.(type) {
			case chat.ClustersUpdated:
				if err := stream.Send(clustersToView(p.ChatID, p.Clusters)); err != nil {
					return err
				}
			case chat.FeedClosed:
				return grpcstatus.Errorf(codes.Unavailable, "feed for chat %s closed", p.ChatID)
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *ChatService) SendText(ctx context.Context, req *SendTextRequest) (*Empty, error) {
	info, err := s.open()
	if err != nil {
		return nil, err
	}
	if err := s.sender.SendText(ctx, info, req.Text, req.Images); err != nil {
		return nil, toStatus("send text", err)
	}
	return &Empty{}, nil
}

func (s *ChatService) SendProposal(ctx context.Context, req *SendProposalRequest) (*Empty, error) {
	info, err := s.open()
	if err != nil {
		return nil, err
	}
	if err := s.sender.SendProposal(ctx, info, req.Start, req.End, req.Accepted); err != nil {
		return nil, toStatus("send proposal", err)
	}
	return &Empty{}, nil
}

func (s *ChatService) SendAvailability(ctx context.Context, req *SendAvailabilityRequest) (*Empty, error) {
	info, err := s.open()
	if err != nil {
		return nil, err
	}
	if err := s.sender.SendAvailability(ctx, info, req.Blocks); err != nil {
		return nil, toStatus("send availability", err)
	}
	return &Empty{}, nil
}

func (s *ChatService) ListOutbox(_ context.Context, req *ListOutboxRequest) (*ListOutboxResponse, error) {
	switch st := store.OutboxStatus(req.Status); st {
	case "", store.OutboxSending, store.OutboxSent, store.OutboxFailed:
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown outbox status %q", st)
	}
	entries, err := s.outbox.ListOutbox(store.OutboxStatus(req.Status), req.Limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list outbox: %v", err)
	}
	resp := &ListOutboxResponse{Entries: make([]OutboxEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, outboxToView(e))
	}
	return resp, nil
}

func (s *ChatService) Resend(ctx context.Context, req *ResendRequest) (*Empty, error) {
	if req.ClientMsgID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "client message id is required")
	}
	if err := s.resender.Resend(ctx, req.ClientMsgID); err != nil {
		return nil, toStatus("resend", err)
	}
	return &Empty{}, nil
}

func (s *ChatService) open() (chat.ChatInfo, error) {
	info, ok := s.conv.Info()
	if !ok {
		return chat.ChatInfo{}, toStatus("send", chat.ErrNotSubscribed)
	}
	return info, nil
}

func validRef(r *ChatRef) error {
	if r.ListingID == "" || r.BuyerID == "" || r.SellerID == "" {
		return grpcstatus.Error(codes.InvalidArgument, "listing, buyer and seller ids are required")
	}
	return nil
}
