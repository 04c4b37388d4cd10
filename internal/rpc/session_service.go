package rpc

import (
	"context"
	"time"

	"github.com/matheus3301/souk/internal/api"
	"github.com/matheus3301/souk/internal/auth"
	"github.com/matheus3301/souk/internal/bus"
	"github.com/matheus3301/souk/internal/logging"
	"github.com/matheus3301/souk/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// UserSource reports the marketplace account of the signed-in user.
type UserSource interface {
	CurrentUser(ctx context.Context) (api.User, error)
}

// SessionService implements the SessionService gRPC service.
type SessionService struct {
	profile   string
	startedAt time.Time
	session   *auth.Session
	users     UserSource
	bus       *bus.Bus
	log       *zap.Logger
}

// NewSessionService creates the session service.
func NewSessionService(profile string, session *auth.Session, users UserSource, b *bus.Bus, log *zap.Logger) *SessionService {
	log = logging.OrNop(log)
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		session:   session,
		users:     users,
		bus:       b,
		log:       log,
	}
}

func (s *SessionService) GetStatus(_ context.Context, _ *Empty) (*StatusResponse, error) {
	id := s.session.Identity()
	return &StatusResponse{
		Profile:  s.profile,
		State:    string(s.session.State()),
		Email:    id.Email,
		UserID:   id.UserID,
		Expiry:   s.session.Expiry(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}, nil
}

// SignIn runs the interactive sign-in. Device codes are streamed as they are
// issued; the final event reports the signed-in account.
func (s *SessionService) SignIn(_ *Empty, stream grpc.ServerStreamingServer[SessionEvent]) error {
	if s.session.State() != status.SignedOut {
		return grpcstatus.Errorf(codes.FailedPrecondition, "session is %s", s.session.State())
	}
	ctx := stream.Context()

	codesCh, unsub := s.bus.Subscribe(bus.KindSessionDeviceCode, 4)
	defer unsub()

	type result struct {
		id  auth.Identity
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := s.session.SignIn(ctx)
		done <- result{id, err}
	}()

	for {
		select {
		case evt := <-codesCh:
			out, ok := sessionEvent(evt)
			if !ok {
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case r := <-done:
			if err := flushEvents(codesCh, stream); err != nil {
				return err
			}
			if r.err != nil {
				return toStatus("sign in", r.err)
			}
			id := s.resolveUser(ctx, r.id)
			return stream.Send(&SessionEvent{
				Kind:   EventSignedIn,
				At:     time.Now(),
				State:  string(s.session.State()),
				Email:  id.Email,
				UserID: id.UserID,
			})
		}
	}
}

// resolveUser records the marketplace user id, which the identity provider
// does not know. A failure leaves the session signed in without it.
func (s *SessionService) resolveUser(ctx context.Context, id auth.Identity) auth.Identity {
	if s.users == nil || id.UserID != "" {
		return id
	}
	u, err := s.users.CurrentUser(ctx)
	if err != nil {
		s.log.Warn("fetch current user", zap.Error(err))
		return id
	}
	if err := s.session.SetUserID(u.ID); err != nil {
		s.log.Warn("persist user id", zap.Error(err))
	}
	id.UserID = u.ID
	return id
}

func (s *SessionService) Logout(ctx context.Context, _ *Empty) (*Empty, error) {
	s.session.Logout(ctx)
	return &Empty{}, nil
}

// Watch streams session events, starting with the current state.
func (s *SessionService) Watch(_ *Empty, stream grpc.ServerStreamingServer[SessionEvent]) error {
	ch, unsub := s.bus.Subscribe("session.", 64)
	defer unsub()

	if err := stream.Send(&SessionEvent{Kind: EventStatus, At: time.Now(), State: string(s.session.State())}); err != nil {
		return err
	}
	for {
		select {
		case evt := <-ch:
			out, ok := sessionEvent(evt)
			if !ok {
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// flushEvents sends whatever is already buffered on ch.
func flushEvents(ch <-chan bus.Event, stream grpc.ServerStreamingServer[SessionEvent]) error {
	for {
		select {
		case evt := <-ch:
			if out, ok := sessionEvent(evt); ok {
				if err := stream.Send(out); err != nil {
					return err
				}
			}
		default:
			return nil
		}
	}
}

func sessionEvent(evt bus.Event) (*SessionEvent, bool) {
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		return &SessionEvent{Kind: EventStatus, At: evt.Timestamp, State: string(p.To)}, true
	case auth.LoggedOut:
		return &SessionEvent{Kind: EventLoggedOut, At: evt.Timestamp, Reason: p.Reason}, true
	case auth.DeviceCode:
		return &SessionEvent{
			Kind:            EventDeviceCode,
			At:              evt.Timestamp,
			VerificationURI: p.VerificationURI,
			UserCode:        p.UserCode,
		}, true
	}
	return nil, false
}
