package grpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	ap "github.com/panyam/aptitude"
)

// GuardConfig configures the guard interceptors.
type GuardConfig struct {
	// State resolves the caller's session state
	State func(ctx context.Context) (ap.SessionState, error)

	// MethodRoles maps full method names like "/package.Service/Method" to the
	// role they require.  Methods not listed only require a signed in identity.
	MethodRoles map[string]ap.Role

	// PublicMethods skip the guard entirely.
	PublicMethods map[string]bool

	Logger *slog.Logger
}

// NewGuardConfig creates a config resolving callers with state
func NewGuardConfig(state func(ctx context.Context) (ap.SessionState, error), publicMethods ...string) *GuardConfig {
	config := &GuardConfig{
		State:         state,
		MethodRoles:   make(map[string]ap.Role),
		PublicMethods: make(map[string]bool),
	}
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// RequireRole marks methods as requiring role
func (c *GuardConfig) RequireRole(role ap.Role, methods ...string) *GuardConfig {
	for _, m := range methods {
		c.MethodRoles[m] = role
	}
	return c
}

func (c *GuardConfig) ensureDefaults() {
	if c.MethodRoles == nil {
		c.MethodRoles = make(map[string]ap.Role)
	}
	if c.PublicMethods == nil {
		c.PublicMethods = make(map[string]bool)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// check runs the guard and returns the context handlers should see
func (c *GuardConfig) check(ctx context.Context, method string) (context.Context, error) {
	if c.PublicMethods[method] {
		return ctx, nil
	}
	state, err := c.State(ctx)
	if err != nil {
		c.Logger.Error("error resolving caller", "method", method, "error", err)
		return nil, status.Error(codes.Unavailable, "unable to resolve caller")
	}
	d := ap.Guard(c.MethodRoles[method], state)
	switch {
	case d.Action == ap.ActionLoading:
		return nil, status.Error(codes.Unavailable, "session loading")
	case d.Action == ap.ActionRedirect && d.Target == ap.LoginPath:
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	case d.Action == ap.ActionRedirect:
		return nil, status.Errorf(codes.PermissionDenied, "%s role required", c.MethodRoles[method])
	}
	return ap.ContextWithSessionState(ctx, state), nil
}

// UnaryGuardInterceptor returns a gRPC unary interceptor enforcing the guard.
func UnaryGuardInterceptor(config *GuardConfig) grpc.UnaryServerInterceptor {
	config.ensureDefaults()
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := config.check(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

type guardedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *guardedStream) Context() context.Context { return s.ctx }

// StreamGuardInterceptor returns a gRPC stream interceptor enforcing the guard.
func StreamGuardInterceptor(config *GuardConfig) grpc.StreamServerInterceptor {
	config.ensureDefaults()
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := config.check(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &guardedStream{ServerStream: ss, ctx: ctx})
	}
}
