package grpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"securechat/internal/auth"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

// AuthClient verifies tokens against the auth service. The token goes out
// as a StringValue and the user id comes back as one; an empty id means
// the token was rejected.
type AuthClient struct {
	conn grpc.ClientConnInterface
}

// Dial opens an instrumented connection to the auth service.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface) *AuthClient {
	return &AuthClient{conn: conn}
}

// ValidateToken verifies the JWT and returns the authenticated user id.
func (a *AuthClient) ValidateToken(ctx context.Context, token string) (string, error) {
	resp := &wrapperspb.StringValue{}
	if err := a.conn.Invoke(ctx, validateTokenMethod, wrapperspb.String(token), resp); err != nil {
		return "", err
	}
	if resp.GetValue() == "" {
		return "", auth.ErrUnauthenticated
	}
	return resp.GetValue(), nil
}

// Verify adapts ValidateToken to auth.Verifier.
func (a *AuthClient) Verify(ctx context.Context, token string) (auth.Identity, error) {
	token = auth.StripBearer(token)
	if token == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	userID, err := a.ValidateToken(ctx, token)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("%w: %v", auth.ErrUnauthenticated, err)
	}
	return auth.Identity{UserID: userID}, nil
}

var _ auth.Verifier = (*AuthClient)(nil)
