package gateway

import (
	"context"

	"github.com/and161185/portal-session/internal/metrics"
	"github.com/and161185/portal-session/internal/session"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Credentials attaches the store's current access token to every RPC. The token is
// read per call, so a replay after refresh carries the new one.
type Credentials struct {
	store    *session.Store
	insecure bool
}

// NewCredentials builds per-RPC credentials. insecure allows plaintext transports (dev, tests).
func NewCredentials(store *session.Store, insecure bool) Credentials {
	return Credentials{store: store, insecure: insecure}
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c Credentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	tok := c.store.AccessToken()
	if tok == "" {
		return map[string]string{}, nil
	}
	return map[string]string{"authorization": "Bearer " + tok}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c Credentials) RequireTransportSecurity() bool { return !c.insecure }

// RequestIDMetadata is the gRPC counterpart of RequestIDHeader.
const RequestIDMetadata = "x-request-id"

// UnaryClientInterceptor applies the recovery protocol to codes.Unauthenticated.
// Pair it with Credentials so the replay picks up the refreshed token. The call
// and its replay share one request id.
func (c *Client) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		ctx = metadata.AppendToOutgoingContext(ctx, RequestIDMetadata, id.String())
		at := Attempt{N: 1, Max: c.maxRecover}
		for {
			err := invoker(ctx, method, req, reply, cc, opts...)
			if status.Code(err) != codes.Unauthenticated {
				switch {
				case err != nil:
					c.metrics.Request(metrics.OutcomeError)
				case at.Retried():
					c.metrics.Request(metrics.OutcomeReplayed)
				default:
					c.metrics.Request(metrics.OutcomeOK)
				}
				return err
			}
			if !at.CanRecover() {
				c.metrics.Request(metrics.OutcomePropagated)
				return err
			}
			if rerr := c.refresh(ctx); rerr != nil {
				c.forceLogout(ctx, rerr)
				return status.Errorf(codes.Unauthenticated, "session dropped: %v", rerr)
			}
			c.log.Debug("replaying rpc after refresh", zap.String("method", method))
			at = at.Next()
		}
	}
}

// DialOptions returns the credentials and interceptor for a gRPC connection.
func (c *Client) DialOptions(insecure bool) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithPerRPCCredentials(NewCredentials(c.store, insecure)),
		grpc.WithChainUnaryInterceptor(c.UnaryClientInterceptor()),
	}
}
