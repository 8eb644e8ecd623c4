package config

import (
	"os"
	"path/filepath"
	"testing"

	cerrors "turbulenced/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "turbulence.conf.xml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

const validConfig = `<?xml version="1.0"?>
<turbulence>
  <global-settings runtime-dir="/tmp/turbulence-run" clean-start="yes" child-limit="10"/>
  <modules>
    <dir src="/etc/turbulence/mods-enabled"/>
  </modules>
  <profile-path-configuration>
    <path-def path-name="default" src=".*">
      <allow profile="urn:demo:echo"/>
      <if-success profile="http://iana.org/beep/TLS">
        <allow profile="urn:x:app"/>
      </if-success>
    </path-def>
  </profile-path-configuration>
</turbulence>`

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RuntimeDir() != "/tmp/turbulence-run" {
		t.Errorf("RuntimeDir() = %q", cfg.RuntimeDir())
	}
	if !cfg.CleanStart() {
		t.Error("CleanStart() = false, want true")
	}
	if got := cfg.GlobalChildLimit(); got != 10 {
		t.Errorf("GlobalChildLimit() = %d, want 10", got)
	}
	dirs := cfg.ModuleDirs()
	if len(dirs) != 1 || dirs[0] != "/etc/turbulence/mods-enabled" {
		t.Errorf("ModuleDirs() = %v", dirs)
	}
}

func TestLoad_NoPathDefs(t *testing.T) {
	body := `<?xml version="1.0"?>
<turbulence>
  <global-settings/>
  <profile-path-configuration/>
</turbulence>`
	path := writeConfig(t, body)
	_, err := Load(path)
	if !cerrors.Is(err, cerrors.ErrNoPathDefs) {
		t.Errorf("Load() error = %v, want ErrNoPathDefs", err)
	}
}

func TestLoad_AllowWithChildren(t *testing.T) {
	body := `<?xml version="1.0"?>
<turbulence>
  <global-settings/>
  <profile-path-configuration>
    <path-def path-name="bad">
      <allow profile="urn:demo:echo">
        <allow profile="urn:demo:nested"/>
      </allow>
    </path-def>
  </profile-path-configuration>
</turbulence>`
	path := writeConfig(t, body)
	_, err := Load(path)
	if !cerrors.Is(err, cerrors.ErrAllowWithChildren) {
		t.Errorf("Load() error = %v, want ErrAllowWithChildren", err)
	}
}

func TestLoad_GroupWithoutUser(t *testing.T) {
	body := `<?xml version="1.0"?>
<turbulence>
  <global-settings/>
  <profile-path-configuration>
    <path-def path-name="bad" run-as-group="nogroup">
      <allow profile="urn:demo:echo"/>
    </path-def>
  </profile-path-configuration>
</turbulence>`
	path := writeConfig(t, body)
	_, err := Load(path)
	if !cerrors.Is(err, cerrors.ErrGroupWithoutUser) {
		t.Errorf("Load() error = %v, want ErrGroupWithoutUser", err)
	}
}

func TestIsPositive(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.IsPositive("//global-settings", "clean-start") {
		t.Error("IsPositive(clean-start) = false, want true")
	}
	if cfg.IsPositive("//global-settings", "missing-attr") {
		t.Error("IsPositive(missing-attr) = true, want false")
	}
}

func TestProfileAttrAlias(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, ok := cfg.AttrAlias("http://iana.org/beep/TLS"); ok {
		t.Error("AttrAlias should be unset before registration")
	}

	cfg.AddProfileAttrAlias("http://iana.org/beep/TLS", "tls-fication:status")
	key, ok := cfg.AttrAlias("http://iana.org/beep/TLS")
	if !ok || key != "tls-fication:status" {
		t.Errorf("AttrAlias() = (%q, %v), want (%q, true)", key, ok, "tls-fication:status")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/turbulence.conf.xml")
	if !cerrors.IsKind(err, cerrors.ErrConfigInvalid) {
		t.Errorf("Load() error = %v, want ErrConfigInvalid", err)
	}
}

func TestReload(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	reloaded, err := cfg.Reload(path)
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if reloaded == cfg {
		t.Error("Reload() should return a distinct Config, not mutate the receiver")
	}
}
