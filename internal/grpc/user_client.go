package grpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/repositories"
)

// GetUserMethod takes a google.protobuf.Int64Value user id and answers with a
// google.protobuf.Struct carrying "id" and "username".
const GetUserMethod = "/user.UserInternal/GetUser"

// Dial opens an instrumented connection to the user service.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	}
	return grpc.NewClient(addr, append(base, opts...)...)
}

// UserClient resolves users through the user-service gRPC API.
type UserClient struct {
	conn grpc.ClientConnInterface
}

// NewUserClient constructs the wrapper.
func NewUserClient(conn grpc.ClientConnInterface) *UserClient {
	return &UserClient{conn: conn}
}

// Lookup retrieves user details.
func (u *UserClient) Lookup(ctx context.Context, userID int) (models.User, error) {
	resp := new(structpb.Struct)
	err := u.conn.Invoke(ctx, GetUserMethod, wrapperspb.Int64(int64(userID)), resp)
	if status.Code(err) == codes.NotFound {
		return models.User{}, repositories.ErrUserNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user %d: %w", userID, err)
	}

	fields := resp.GetFields()
	id := int(fields["id"].GetNumberValue())
	if id == 0 {
		return models.User{}, repositories.ErrUserNotFound
	}
	return models.User{ID: id, Username: fields["username"].GetStringValue()}, nil
}

var _ repositories.UserDirectory = (*UserClient)(nil)
