package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conduitd.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nosuch.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeviceTimeoutSec != 60 {
		t.Errorf("DeviceTimeoutSec = %d, want 60", cfg.DeviceTimeoutSec)
	}
	if cfg.NetconfFraming != FramingChunked {
		t.Errorf("NetconfFraming = %q, want chunked", cfg.NetconfFraming)
	}
	if cfg.Datastore != "memory" {
		t.Errorf("Datastore = %q, want memory", cfg.Datastore)
	}
	if cfg.DeviceTimeout() != 60*time.Second {
		t.Errorf("DeviceTimeout() = %v", cfg.DeviceTimeout())
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
device-timeout: 30
netconf-framing: eom
schema-dir: /var/lib/conduit/schemas
datastore: redis
redis-addr: 127.0.0.1:6380
devices:
  - name: leaf1
    addr: 10.0.0.1
    user: admin
    enabled: true
    conn-type: NETCONF_SSH
    yang-config: VALIDATE
  - name: leaf2
    addr: 10.0.0.2
    enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeviceTimeoutSec != 30 {
		t.Errorf("DeviceTimeoutSec = %d", cfg.DeviceTimeoutSec)
	}
	if cfg.NetconfFraming != FramingEOM {
		t.Errorf("NetconfFraming = %q", cfg.NetconfFraming)
	}
	if cfg.Datastore != "redis" || cfg.RedisAddr != "127.0.0.1:6380" {
		t.Errorf("datastore config = %q %q", cfg.Datastore, cfg.RedisAddr)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(cfg.Devices))
	}
	leaf1 := cfg.Device("leaf1")
	if leaf1 == nil || leaf1.Addr != "10.0.0.1" || !leaf1.Enabled {
		t.Errorf("leaf1 = %+v", leaf1)
	}
	if cfg.Device("leaf2").Enabled {
		t.Error("leaf2 should be disabled")
	}
	if cfg.Device("nosuch") != nil {
		t.Error("Device(nosuch) != nil")
	}
}

func TestLoadRejectsBadFraming(t *testing.T) {
	path := writeConfig(t, "netconf-framing: morse\n")
	if _, err := Load(path); err == nil {
		t.Error("Load should reject unknown framing mode")
	}
}

func TestLoadRejectsBadDatastore(t *testing.T) {
	path := writeConfig(t, "datastore: etcd\n")
	if _, err := Load(path); err == nil {
		t.Error("Load should reject unknown datastore backend")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "conduitd.yaml")
	cfg := Default()
	cfg.Devices = append(cfg.Devices, DeviceConfig{Name: "leaf1", Addr: "10.0.0.1", Enabled: true})
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Device("leaf1") == nil {
		t.Error("saved device lost in round trip")
	}
}
