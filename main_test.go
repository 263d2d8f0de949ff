package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"nearby-alerts/config"
	"nearby-alerts/pkg/notifier"
	"nearby-alerts/push"
	"nearby-alerts/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStoreDefaultsToMemory(t *testing.T) {
	docs, closeFn, err := openStore(context.Background(), &config.Config{}, discardLogger())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closeFn()
	if _, ok := docs.(*store.Memory); !ok {
		t.Errorf("openStore() = %T, want *store.Memory", docs)
	}
}

func TestOpenStoreUnreachableRedis(t *testing.T) {
	// Port 1 is never a redis server.
	_, _, err := openStore(context.Background(), &config.Config{RedisAddr: "127.0.0.1:1"}, discardLogger())
	if err == nil {
		t.Fatal("openStore() with unreachable redis: want error")
	}
}

func TestOpenTokensLocal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")
	cfg := &config.Config{LocalStorage: dir, TokenSalt: "salt"}

	tokens, closeFn, err := openTokens(context.Background(), cfg, store.NewMemory(), discardLogger())
	if err != nil {
		t.Fatalf("openTokens: %v", err)
	}
	defer closeFn()

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("local storage directory not created: %v", err)
	}
	ctx := context.Background()
	if err := tokens.RegisterToken(ctx, notifier.PushToken{UserID: "u1", Token: "t1", Platform: "expo"}); err != nil {
		t.Fatalf("RegisterToken: %v", err)
	}
	got, err := tokens.Tokens(ctx, "u1")
	if err != nil {
		t.Fatalf("Tokens: %v", err)
	}
	if len(got) != 1 || got[0].Token != "t1" {
		t.Errorf("Tokens() = %+v, want one token t1", got)
	}
}

func TestOpenTokensFallsBackToDocumentStore(t *testing.T) {
	ctx := context.Background()
	docs := store.NewMemory()
	tokens, closeFn, err := openTokens(ctx, &config.Config{RedisAddr: "redis:6379"}, docs, discardLogger())
	if err != nil {
		t.Fatalf("openTokens: %v", err)
	}
	defer closeFn()

	if err := tokens.RegisterToken(ctx, notifier.PushToken{UserID: "u1", Token: "t1", Platform: "fcm"}); err != nil {
		t.Fatalf("RegisterToken: %v", err)
	}
	got, err := docs.Tokens(ctx, "u1")
	if err != nil {
		t.Fatalf("Tokens: %v", err)
	}
	if len(got) != 1 || got[0].Token != "t1" {
		t.Errorf("document store tokens = %+v, want one token t1", got)
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		want     string
	}{
		{name: "mock", provider: config.ProviderMock, want: "*push.MockProvider"},
		{name: "expo", provider: config.ProviderExpo, want: "*push.ExpoProvider"},
		{name: "empty falls back to mock", provider: "", want: "*push.MockProvider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := newProvider(context.Background(), &config.Config{PushProvider: tt.provider}, discardLogger())
			if err != nil {
				t.Fatalf("newProvider: %v", err)
			}
			var got string
			switch p.(type) {
			case *push.MockProvider:
				got = "*push.MockProvider"
			case *push.ExpoProvider:
				got = "*push.ExpoProvider"
			}
			if got != tt.want {
				t.Errorf("newProvider(%q) = %T, want %s", tt.provider, p, tt.want)
			}
		})
	}
}
