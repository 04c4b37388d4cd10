package rpc

import (
	"context"
	"errors"
	"net/http"

	"github.com/matheus3301/souk/internal/api"
	"github.com/matheus3301/souk/internal/auth"
	"github.com/matheus3301/souk/internal/chat"
	"github.com/matheus3301/souk/internal/compose"
	"github.com/matheus3301/souk/internal/outbox"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps core errors onto gRPC codes so front ends can tell a signed
// out session from a bad request or an unreachable API.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		serr *api.ServerError
		terr *api.TransportError
		derr *api.DecodeError
	)
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, api.ErrMaxRetriesExceeded),
		errors.Is(err, auth.ErrRefreshFailed),
		errors.Is(err, auth.ErrNotSignedIn):
		code = codes.Unauthenticated
	case errors.Is(err, chat.ErrNotSubscribed), errors.Is(err, outbox.ErrNotResendable):
		code = codes.FailedPrecondition
	case errors.Is(err, outbox.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, compose.ErrInvalidRange):
		code = codes.InvalidArgument
	case errors.As(err, &terr):
		code = codes.Unavailable
	case errors.As(err, &derr):
		code = codes.DataLoss
	case errors.As(err, &serr):
		code = httpToCode(serr.HTTPCode)
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

func httpToCode(httpCode int) codes.Code {
	switch httpCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}
