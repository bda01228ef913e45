package interceptors

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"auction-tracker/backend/internal/security"
)

func testTokens(t *testing.T) (*security.TokenProvider, *security.SessionVerifier) {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	verifier, err := security.NewTestVerifier()
	if err != nil {
		t.Fatalf("NewTestVerifier: %v", err)
	}
	return tokens, verifier
}

func bearerContext(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
}

func TestAuthUnary_PublicMethod(t *testing.T) {
	_, verifier := testTokens(t)
	interceptor := AuthUnary(verifier, map[string]bool{"/test.Service/Public": true})
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		if _, ok := GetIdentity(ctx); ok {
			t.Error("identity set without a token")
		}
		return "success", nil
	}
	resp, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{FullMethod: "/test.Service/Public"}, handler)
	if err != nil || resp != "success" {
		t.Fatalf("interceptor = %v, %v", resp, err)
	}
}

func TestAuthUnary_ProtectedMethod(t *testing.T) {
	tokens, verifier := testTokens(t)
	interceptor := AuthUnary(verifier, map[string]bool{})
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/Protected"}

	var gotIdentity string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		gotIdentity, _ = GetIdentity(ctx)
		return "success", nil
	}

	tests := []struct {
		name string
		ctx  context.Context
		code codes.Code
	}{
		{"no token", context.Background(), codes.Unauthenticated},
		{"invalid token", bearerContext("not-a-jwt"), codes.Unauthenticated},
		{"wrong scheme", metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic abc")), codes.Unauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := interceptor(tt.ctx, "request", info, handler)
			if status.Code(err) != tt.code {
				t.Errorf("code = %v, want %v", status.Code(err), tt.code)
			}
		})
	}

	token, _, _, err := tokens.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := interceptor(bearerContext(token), "request", info, handler); err != nil {
		t.Fatalf("valid token: %v", err)
	}
	if gotIdentity != "alice" {
		t.Errorf("identity = %q, want alice", gotIdentity)
	}
}

func TestAuthStream(t *testing.T) {
	tokens, verifier := testTokens(t)
	interceptor := AuthStream(verifier, map[string]bool{"/auctiontracker.v1.PeerService/Connect": true})
	token, _, _, err := tokens.Issue("bob")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var gotIdentity string
	handler := func(srv interface{}, ss grpc.ServerStream) error {
		gotIdentity, _ = GetIdentity(ss.Context())
		return nil
	}
	public := &grpc.StreamServerInfo{FullMethod: "/auctiontracker.v1.PeerService/Connect"}
	if err := interceptor(nil, &fakeServerStream{ctx: bearerContext(token)}, public, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if gotIdentity != "bob" {
		t.Errorf("identity = %q, want bob", gotIdentity)
	}

	gotIdentity = ""
	if err := interceptor(nil, &fakeServerStream{ctx: context.Background()}, public, handler); err != nil {
		t.Fatalf("public stream without token: %v", err)
	}
	if gotIdentity != "" {
		t.Errorf("identity = %q, want none", gotIdentity)
	}

	protected := &grpc.StreamServerInfo{FullMethod: "/test.Service/Watch"}
	err = interceptor(nil, &fakeServerStream{ctx: context.Background()}, protected, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("protected stream without token: code = %v, want Unauthenticated", status.Code(err))
	}
}
