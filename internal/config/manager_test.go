package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeTemp(t, "config.json", `{
		"telegram": {"token": "t", "owner_user_ids": [1, 2]},
		"logging": {"level": "DEBUG", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "sqlite", "path": "./x.db"},
		"loyalty": {"promotion": "hookah", "slot_size": 20},
		"notifications": {"enabled": true, "daily_at": "12:00", "min_send_gap": "150ms"}
	}`)

	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "t" || len(cfg.Telegram.OwnerUserIDs) != 2 {
		t.Errorf("telegram section mangled: %+v", cfg.Telegram)
	}
	if cfg.Loyalty.Promotion != "hookah" || cfg.Loyalty.SlotSize != 20 {
		t.Errorf("loyalty section mangled: %+v", cfg.Loyalty)
	}
	if !cfg.Notifications.Enabled || cfg.Notifications.DailyAt != "12:00" {
		t.Errorf("notifications section mangled: %+v", cfg.Notifications)
	}
}

func TestParseYAMLCoercion(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
telegram:
  token: t
  owner_user_ids: [7]
logging:
  level: INFO
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: postgres
  dsn: postgres://localhost/loyalty
loyalty:
  promotion: hookah
notifications:
  enabled: false
  daily_at: "09:30"
`)

	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Errorf("storage section mangled: %+v", cfg.Storage)
	}
	if cfg.Telegram.OwnerUserIDs[0] != 7 {
		t.Errorf("owner ids mangled: %+v", cfg.Telegram.OwnerUserIDs)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeTemp(t, "config.json", `{"telegram": {"token": "t", "chat_id": 5}}`)
	m := NewManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("want error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeTemp(t, "config.json", `{"telegram": {"token": "t"}}{"extra": 1}`)
	m := NewManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("want error for trailing data")
	}
}

func TestLoadCommitGet(t *testing.T) {
	path := writeTemp(t, "config.json", `{"telegram": {"token": "t"}}`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if m.Get() != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestDurationAccessors(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"150ms", 150 * time.Millisecond, false},
		{"2m", 2 * time.Minute, false},
		{"-1s", 0, true},
		{"nope", 0, true},
	}
	for _, tc := range cases {
		cfg := &Config{}
		cfg.Notifications.MinSendGap = tc.raw
		got, err := cfg.MinSendGap()
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: want error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("%q: got %v, %v; want %v", tc.raw, got, err, tc.want)
		}
	}

	cfg := &Config{}
	if d, err := cfg.PollTimeout(); err != nil || d != defaultPollTimeout {
		t.Errorf("poll timeout default not applied: %v, %v", d, err)
	}
	cfg.Telegram.PollTimeout = "30s"
	if d, err := cfg.PollTimeout(); err != nil || d != 30*time.Second {
		t.Errorf("poll timeout override not honored: %v, %v", d, err)
	}
	cfg.Storage.BusyTimeout = "bogus"
	if _, err := cfg.BusyTimeout(); err == nil {
		t.Error("busy timeout: want error for bad duration")
	}
	cfg.Notifications.SendTimeout = "5s"
	if d, err := cfg.SendTimeout(); err != nil || d != 5*time.Second {
		t.Errorf("send timeout: %v, %v", d, err)
	}
}
