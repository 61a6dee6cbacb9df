package grpc

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	ap "github.com/panyam/aptitude"
	"github.com/panyam/aptitude/stores/fs"
)

const (
	methodGetProfile   = "/aptitude.Portal/GetProfile"
	methodListStudents = "/aptitude.Portal/ListStudents"
	methodHealth       = "/aptitude.Portal/Health"
)

func newTestGuard(t *testing.T) *GuardConfig {
	store := fs.NewDocumentStore(t.TempDir())
	ctx := context.Background()
	now := time.Now()
	for uid, role := range map[string]ap.Role{"student-1": ap.RoleStudent, "admin-1": ap.RoleAdmin} {
		p := &ap.Profile{ID: uid, Email: uid + "@example.com", Role: role, CreatedAt: now, LastLogin: now}
		if err := store.Set(ctx, ap.ProfilesCollection, uid, p.Record(), ap.Overwrite); err != nil {
			t.Fatalf("seeding profile: %v", err)
		}
	}
	return NewGuardConfig(StoreResolver(store, nil), methodHealth).
		RequireRole(ap.RoleAdmin, methodListStudents)
}

func callerContext(uid string) context.Context {
	if uid == "" {
		return context.Background()
	}
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(DefaultMetadataKeyUserID, uid))
}

func TestUserIDFromContext(t *testing.T) {
	if got := UserIDFromContext(context.Background(), nil); got != "" {
		t.Errorf("expected empty user id, got %q", got)
	}
	if got := UserIDFromContext(callerContext("u1"), nil); got != "u1" {
		t.Errorf("expected u1, got %q", got)
	}

	custom := &Config{MetadataKeyUserID: "x-custom"}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-custom", "u2"))
	if got := UserIDFromContext(ctx, custom); got != "u2" {
		t.Errorf("expected u2 with custom key, got %q", got)
	}

	out := UserIDToOutgoingContext(context.Background(), "u3")
	md, _ := metadata.FromOutgoingContext(out)
	if v := md.Get(DefaultMetadataKeyUserID); len(v) != 1 || v[0] != "u3" {
		t.Errorf("expected outgoing user id u3, got %v", v)
	}
}

func TestUnaryGuardInterceptor(t *testing.T) {
	interceptor := UnaryGuardInterceptor(newTestGuard(t))

	tests := []struct {
		name   string
		caller string
		method string
		code   codes.Code
	}{
		{"public method without caller", "", methodHealth, codes.OK},
		{"no caller", "", methodGetProfile, codes.Unauthenticated},
		{"student on own method", "student-1", methodGetProfile, codes.OK},
		{"student on admin method", "student-1", methodListStudents, codes.PermissionDenied},
		{"admin on admin method", "admin-1", methodListStudents, codes.OK},
		{"identity without profile on admin method", "ghost", methodListStudents, codes.PermissionDenied},
		{"identity without profile on any-role method", "ghost", methodGetProfile, codes.OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlerCalled := false
			_, err := interceptor(callerContext(tt.caller), nil, &grpc.UnaryServerInfo{FullMethod: tt.method},
				func(ctx context.Context, req interface{}) (interface{}, error) {
					handlerCalled = true
					if tt.method != methodHealth {
						if _, ok := ap.SessionStateFromContext(ctx); !ok {
							t.Error("expected session state in handler context")
						}
					}
					return "ok", nil
				})
			if got := status.Code(err); got != tt.code {
				t.Fatalf("expected %v, got %v (%v)", tt.code, got, err)
			}
			if handlerCalled != (tt.code == codes.OK) {
				t.Errorf("handlerCalled=%v for code %v", handlerCalled, tt.code)
			}
		})
	}
}

func TestGuardWhileLoading(t *testing.T) {
	config := NewGuardConfig(func(ctx context.Context) (ap.SessionState, error) {
		return ap.SessionState{Readiness: ap.Loading}, nil
	})
	_, err := UnaryGuardInterceptor(config)(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: methodGetProfile},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			t.Error("handler should not be called")
			return nil, nil
		})
	if status.Code(err) != codes.Unavailable {
		t.Errorf("expected Unavailable, got %v", err)
	}
}

// mockServerStream implements grpc.ServerStream for testing
type mockServerStream struct {
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context     { return m.ctx }
func (m *mockServerStream) SetHeader(metadata.MD) error  { return nil }
func (m *mockServerStream) SendHeader(metadata.MD) error { return nil }
func (m *mockServerStream) SetTrailer(metadata.MD)       {}
func (m *mockServerStream) SendMsg(interface{}) error    { return nil }
func (m *mockServerStream) RecvMsg(interface{}) error    { return nil }

func TestStreamGuardInterceptor(t *testing.T) {
	interceptor := StreamGuardInterceptor(newTestGuard(t))
	info := &grpc.StreamServerInfo{FullMethod: methodListStudents}

	err := interceptor(nil, &mockServerStream{ctx: callerContext("student-1")}, info, func(srv interface{}, ss grpc.ServerStream) error {
		t.Error("handler should not be called")
		return nil
	})
	if status.Code(err) != codes.PermissionDenied {
		t.Errorf("expected PermissionDenied, got %v", err)
	}

	var role ap.Role
	err = interceptor(nil, &mockServerStream{ctx: callerContext("admin-1")}, info, func(srv interface{}, ss grpc.ServerStream) error {
		s, _ := ap.SessionStateFromContext(ss.Context())
		if s.Profile != nil {
			role = s.Profile.Role
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if role != ap.RoleAdmin {
		t.Errorf("expected admin state in stream context, got %q", role)
	}
}
