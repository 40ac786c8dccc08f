package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
devices:
  livingroom:
    host: 10.0.0.5
  bedroom:
    host: 10.0.0.6
    port: 5556
    adb_key: /config/adbkey
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != DefaultListenAddr {
		t.Fatalf("unexpected listen addr: %s", cfg.Listen)
	}

	living := cfg.Devices["livingroom"]
	if living.Port != DefaultDevicePort {
		t.Fatalf("expected default port, got %d", living.Port)
	}
	if living.Family != DefaultFamily {
		t.Fatalf("expected default family, got %q", living.Family)
	}
	if living.Addr() != "10.0.0.5:5555" {
		t.Fatalf("unexpected addr: %s", living.Addr())
	}

	bedroom := cfg.Devices["bedroom"]
	if bedroom.Port != 5556 || bedroom.Credential != "/config/adbkey" {
		t.Fatalf("unexpected bedroom device: %+v", bedroom)
	}

	if got := cfg.DeviceNames(); !reflect.DeepEqual(got, []string{"bedroom", "livingroom"}) {
		t.Fatalf("unexpected device names: %v", got)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "devices: [:::")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad device name", "devices:\n  \"bad name\":\n    host: 1.2.3.4\n", "invalid device name"},
		{"missing host", "devices:\n  tv:\n    port: 5555\n", "host is required"},
		{"bad port", "devices:\n  tv:\n    host: 1.2.3.4\n    port: 70000\n", "invalid port"},
		{"mqtt without broker", "mqtt:\n  username: u\n", "mqtt.broker is required"},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.yaml)
		_, err := Load(path)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q error, got %v", tc.name, tc.want, err)
		}
	}
}

func TestValidDeviceName(t *testing.T) {
	for _, name := range []string{"livingroom", "living-room", "tv_2"} {
		if !ValidDeviceName(name) {
			t.Fatalf("expected %q to be valid", name)
		}
	}
	for _, name := range []string{"", "living room", "tv/2", "a.b"} {
		if ValidDeviceName(name) {
			t.Fatalf("expected %q to be invalid", name)
		}
	}
}

func TestDiffDevices(t *testing.T) {
	old := map[string]Device{
		"livingroom": {Host: "10.0.0.5", Port: 5555},
		"bedroom":    {Host: "10.0.0.6", Port: 5555},
		"kitchen":    {Host: "10.0.0.7", Port: 5555},
	}
	updated := map[string]Device{
		"livingroom": {Host: "10.0.0.5", Port: 5555, Credential: "/config/newkey"},
		"bedroom":    {Host: "10.0.0.6", Port: 5555},
		"office":     {Host: "10.0.0.8", Port: 5555},
	}

	diff := DiffDevices(old, updated)
	if !reflect.DeepEqual(diff.Added, []string{"office"}) {
		t.Fatalf("unexpected added: %v", diff.Added)
	}
	if !reflect.DeepEqual(diff.Removed, []string{"kitchen"}) {
		t.Fatalf("unexpected removed: %v", diff.Removed)
	}
	if !reflect.DeepEqual(diff.Changed, []string{"livingroom"}) {
		t.Fatalf("unexpected changed: %v", diff.Changed)
	}

	if !DiffDevices(old, old).Empty() {
		t.Fatalf("expected empty diff for identical maps")
	}
}
