package main

import (
	"io"
	"strings"
	"testing"

	"github.com/zulandar/ventriloquist/internal/chat"
	"github.com/zulandar/ventriloquist/internal/config"
	"github.com/zulandar/ventriloquist/internal/db"
	"github.com/zulandar/ventriloquist/internal/durable"
)

func testConfig(t *testing.T, platform string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
database:
  driver: sqlite
  path: ":memory:"
voice:
  silent_audio_url: https://example.com/silent.mp3
session:
  launch_policy: reject
chat:
  platform: ` + platform + `
  line:
    channel_secret: secret
    channel_token: token
  slack:
    app_token: xapp-1
    bot_token: xoxb-1
  discord:
    bot_token: discord-token
`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestNewChatTransport(t *testing.T) {
	tests := []struct {
		platform    string
		wantWebhook bool
	}{
		{config.PlatformLine, true},
		{config.PlatformSlack, false},
		{config.PlatformDiscord, false},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			tr, err := newChatTransport(testConfig(t, tt.platform))
			if err != nil {
				t.Fatalf("newChatTransport: %v", err)
			}
			if tr.messenger == nil {
				t.Fatal("messenger is nil")
			}
			if (tr.webhook != nil) != tt.wantWebhook {
				t.Errorf("webhook set = %v, want %v", tr.webhook != nil, tt.wantWebhook)
			}
			if (tr.adapter != nil) == tt.wantWebhook {
				t.Errorf("adapter set = %v, want %v", tr.adapter != nil, !tt.wantWebhook)
			}
		})
	}
}

func TestNewChatTransport_Unsupported(t *testing.T) {
	cfg := testConfig(t, config.PlatformLine)
	cfg.Chat.Platform = "telegram"
	_, err := newChatTransport(cfg)
	if err == nil || !strings.Contains(err.Error(), "telegram") {
		t.Fatalf("err = %v, want unsupported platform", err)
	}
}

func TestStartPolicy(t *testing.T) {
	if startPolicy(config.LaunchReject) != durable.StartReject {
		t.Error("reject should map to StartReject")
	}
	if startPolicy(config.LaunchReplace) != durable.StartReplace {
		t.Error("replace should map to StartReplace")
	}
}

func newTestEngine(t *testing.T) *durable.Engine {
	t.Helper()
	gormDB, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := durable.NewEngine(durable.EngineOpts{DB: gormDB, Out: io.Discard})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func TestNewBridge_LineServesWebhook(t *testing.T) {
	cfg := testConfig(t, config.PlatformLine)
	cfg.Server.AdminToken = "s3cret"
	eng := newTestEngine(t)
	tr, err := newChatTransport(cfg)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}

	b, err := newBridge(cfg, eng, tr, io.Discard)
	if err != nil {
		t.Fatalf("newBridge: %v", err)
	}
	opts := b.serverOpts(cfg, io.Discard)
	if opts.Webhook == nil || opts.Chat == nil {
		t.Error("LINE bridge should mount the webhook with the chat dispatcher")
	}
	if opts.Skill == nil || opts.Admin == nil {
		t.Error("skill and admin must be set")
	}
	if opts.AdminToken != "s3cret" || opts.Port != 8080 {
		t.Errorf("opts = %+v", opts)
	}
}

func TestNewBridge_SocketPlatformHasNoWebhook(t *testing.T) {
	cfg := testConfig(t, config.PlatformSlack)
	eng := newTestEngine(t)
	mock := chat.NewMockAdapter()
	tr := &chatTransport{messenger: mock, adapter: mock}

	b, err := newBridge(cfg, eng, tr, io.Discard)
	if err != nil {
		t.Fatalf("newBridge: %v", err)
	}
	opts := b.serverOpts(cfg, io.Discard)
	if opts.Webhook != nil || opts.Chat != nil {
		t.Error("socket platforms must not mount the webhook")
	}
}
