package grpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"dm-service/internal/apperr"
	"dm-service/internal/models"
)

const getUserMethod = "/user.UserInternal/GetUser"

// GetUserResponse field numbers.
const (
	userIDField       = 1
	userUsernameField = 2
	userFullNameField = 3
	userAvatarField   = 4
)

// UserClient wraps the user-service gRPC API. It is the user directory the
// message service checks senders and receivers against.
type UserClient struct {
	conn grpc.ClientConnInterface
}

// NewUserClient constructs the wrapper.
func NewUserClient(conn grpc.ClientConnInterface) *UserClient {
	return &UserClient{conn: conn}
}

// GetUser retrieves user details.
func (u *UserClient) GetUser(ctx context.Context, userID int64) (models.User, error) {
	resp := &emptypb.Empty{}
	if err := u.conn.Invoke(ctx, getUserMethod, wrapperspb.Int64(userID), resp); err != nil {
		return models.User{}, classify("get user", err)
	}

	f, err := readFields(resp.ProtoReflect().GetUnknown())
	if err != nil {
		return models.User{}, fmt.Errorf("decode user: %w: %v", apperr.ErrUpstream, err)
	}
	if f.varint(userIDField) == 0 {
		return models.User{}, fmt.Errorf("%w: user %d", apperr.ErrNotFound, userID)
	}
	return models.User{
		ID:       f.varint(userIDField),
		Username: f.text(userUsernameField),
		FullName: f.text(userFullNameField),
		Avatar:   f.text(userAvatarField),
	}, nil
}

// UserExists reports whether the directory knows userID.
func (u *UserClient) UserExists(ctx context.Context, userID int64) (bool, error) {
	_, err := u.GetUser(ctx, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, apperr.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
