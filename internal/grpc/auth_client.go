package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"dm-service/internal/apperr"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

// ValidateTokenResponse field numbers.
const (
	authValidField  = 1
	authUserIDField = 2
)

// AuthClient wraps the auth-service gRPC API.
type AuthClient struct {
	conn grpc.ClientConnInterface
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface) *AuthClient {
	return &AuthClient{conn: conn}
}

// ValidateToken verifies the JWT and returns the authenticated user id.
func (a *AuthClient) ValidateToken(ctx context.Context, token string) (int64, error) {
	resp := &emptypb.Empty{}
	if err := a.conn.Invoke(ctx, validateTokenMethod, wrapperspb.String(token), resp); err != nil {
		return 0, classify("validate token", err)
	}

	f, err := readFields(resp.ProtoReflect().GetUnknown())
	if err != nil {
		return 0, fmt.Errorf("decode validate token: %w: %v", apperr.ErrUpstream, err)
	}
	userID := f.varint(authUserIDField)
	if !f.flag(authValidField) || userID == 0 {
		return 0, fmt.Errorf("%w: invalid token", apperr.ErrUnauthorized)
	}
	return userID, nil
}
