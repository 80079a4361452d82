package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "xcd.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadValid(t *testing.T) {
	p := writeConfig(t, `
data_dir: /var/db/xcd
socket_path: /var/run/xcd.sock
devfs_ruleset_offset: 1000
networks:
  - name: default
    subnet: 192.168.100.0/24
registries:
  - host: registry.example.com
    username: bot
    password: secret
`)
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Networks) != 1 || c.Networks[0].Subnet != "192.168.100.0/24" {
		t.Fatalf("unexpected networks: %+v", c.Networks)
	}
	if reg := c.RegistryFor("registry.example.com"); reg == nil || reg.Username != "bot" {
		t.Fatalf("RegistryFor did not return configured registry: %+v", reg)
	}
	if c.RegistryFor("unknown.example.com") != nil {
		t.Fatalf("expected nil for unconfigured registry")
	}
}

func TestLoadRejectsInvalidSubnet(t *testing.T) {
	p := writeConfig(t, `
data_dir: /var/db/xcd
socket_path: /var/run/xcd.sock
networks:
  - name: default
    subnet: not-a-cidr
`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for invalid subnet")
	}
}

func TestLoadRejectsDuplicateNetworkNames(t *testing.T) {
	p := writeConfig(t, `
data_dir: /var/db/xcd
socket_path: /var/run/xcd.sock
networks:
  - name: default
    subnet: 10.0.0.0/24
  - name: default
    subnet: 10.0.1.0/24
`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for duplicate network name")
	}
}

func TestLoadRequiresDataDir(t *testing.T) {
	p := writeConfig(t, `socket_path: /var/run/xcd.sock`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for missing data_dir")
	}
}
