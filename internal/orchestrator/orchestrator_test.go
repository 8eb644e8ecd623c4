package orchestrator

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"turbulenced/internal/beep"
	"turbulenced/internal/config"
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

func loadTestConfig(t *testing.T, body string) (*config.Config, string) {
	t.Helper()
	path := writeConfig(t, body)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg, path
}

const basicConfig = `<?xml version="1.0"?>
<turbulence>
  <global-settings/>
  <profile-path-configuration>
    <path-def path-name="default" src=".*">
      <allow profile="urn:demo:echo"/>
    </path-def>
  </profile-path-configuration>
</turbulence>`

func TestNew_BuildsPPathFromConfig(t *testing.T) {
	cfg, _ := loadTestConfig(t, basicConfig)
	c, err := New(cfg, beep.NewTestDriver("urn:demo:echo"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.PPath == nil {
		t.Fatal("New() left PPath nil")
	}
}

func TestStart_RegistersAcceptHookAndRunsModuleInit(t *testing.T) {
	cfg, _ := loadTestConfig(t, basicConfig)
	driver := beep.NewTestDriver("urn:demo:echo")
	c, err := New(cfg, driver)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !c.started {
		t.Fatal("Start() left started = false")
	}

	// Starting twice must be a no-op, not a double module-init.
	if err := c.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
}

func TestOnConnectionAccepted_RegistersAndSelectsPath(t *testing.T) {
	cfg, _ := loadTestConfig(t, basicConfig)
	driver := beep.NewTestDriver("urn:demo:echo")
	c, err := New(cfg, driver)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn := beep.NewConnection("c1", "127.0.0.1", "0.0.0.0:1602", beep.RoleListener)
	if !driver.Accept(conn) {
		t.Fatal("Accept() = false, want true for a connection matching the default path")
	}
	if _, ok := c.ConnMgr.Get("c1"); !ok {
		t.Error("accepted connection was not registered with ConnMgr")
	}
	if _, ok := conn.PPathState(); !ok {
		t.Error("accepted connection has no PPathState bound")
	}
	if _, ok := driver.Mask(conn); !ok {
		t.Error("accepted connection has no profile mask installed")
	}
}

func TestOnConnectionAccepted_RejectsNoMatchingPath(t *testing.T) {
	cfg, _ := loadTestConfig(t, `<?xml version="1.0"?>
<turbulence>
  <global-settings/>
  <profile-path-configuration>
    <path-def path-name="only" src="^10\."/>
  </profile-path-configuration>
</turbulence>`)
	driver := beep.NewTestDriver("urn:demo:echo")
	c, err := New(cfg, driver)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn := beep.NewConnection("c1", "127.0.0.1", "0.0.0.0:1602", beep.RoleListener)
	if driver.Accept(conn) {
		t.Fatal("Accept() = true, want false when no path-def matches")
	}
	if _, ok := c.ConnMgr.Get("c1"); ok {
		t.Error("rejected connection should not be registered")
	}
}

// loopbackPair returns two ends of a real TCP connection, so conn.FD()
// has an actual file descriptor to hand off, the way a production driver's
// net.Conn would.
func loopbackPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial() error = %v", err)
	}
	server = <-accepted
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestOnConnectionAccepted_SeparateModeHandsOffToSupervisor(t *testing.T) {
	cfg, _ := loadTestConfig(t, `<?xml version="1.0"?>
<turbulence>
  <global-settings/>
  <profile-path-configuration>
    <path-def path-name="sep" src=".*" separate="yes" child-limit="1">
      <allow profile="urn:demo:echo"/>
    </path-def>
  </profile-path-configuration>
</turbulence>`)
	driver := beep.NewTestDriver("urn:demo:echo")
	c, err := New(cfg, driver)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Saturate the path-def's child limit so Supervisor.Spawn fails fast on
	// the CanSpawn check, without ever exec'ing a real child process.
	c.PPath.Defs[0].IncChildren()

	client, _ := loopbackPair(t)
	conn := beep.NewConnection("c1", "127.0.0.1", "0.0.0.0:1602", beep.RoleListener)
	conn.Set("net.conn", client)

	if driver.Accept(conn) {
		t.Error("Accept() = true for a separate-mode path, want false (filtered)")
	}
	if _, ok := c.ConnMgr.Get("c1"); ok {
		t.Error("a separate-mode connection must not be registered with the parent's ConnMgr")
	}
	if _, ok := driver.Mask(conn); !ok {
		t.Error("a separate-mode connection must still have its profile mask installed before handoff")
	}
}

func TestOnConnectionAccepted_SeparateModeWithoutUsableFDShutsDownConnection(t *testing.T) {
	cfg, _ := loadTestConfig(t, `<?xml version="1.0"?>
<turbulence>
  <global-settings/>
  <profile-path-configuration>
    <path-def path-name="sep" src=".*" separate="yes">
      <allow profile="urn:demo:echo"/>
    </path-def>
  </profile-path-configuration>
</turbulence>`)
	driver := beep.NewTestDriver("urn:demo:echo")
	c, err := New(cfg, driver)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// No net.conn attribute attached, so fdForHandoff must fail before ever
	// reaching the supervisor.
	conn := beep.NewConnection("c1", "127.0.0.1", "0.0.0.0:1602", beep.RoleListener)
	if driver.Accept(conn) {
		t.Error("Accept() = true for a separate-mode path, want false (filtered)")
	}
	if _, ok := c.ConnMgr.Get("c1"); ok {
		t.Error("a separate-mode connection must not be registered with the parent's ConnMgr")
	}
}

func TestReload_SwapsConfigAndPPath(t *testing.T) {
	cfg, path := loadTestConfig(t, basicConfig)
	driver := beep.NewTestDriver("urn:demo:echo")
	c, err := New(cfg, driver)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	newBody := `<?xml version="1.0"?>
<turbulence>
  <global-settings/>
  <profile-path-configuration>
    <path-def path-name="default" src=".*">
      <allow profile="urn:demo:echo"/>
      <allow profile="urn:demo:extra"/>
    </path-def>
  </profile-path-configuration>
</turbulence>`
	if err := os.WriteFile(path, []byte(newBody), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	oldPPath := c.PPath
	if err := c.Reload(path); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if c.PPath == oldPPath {
		t.Error("Reload() did not swap the PPath pointer")
	}
}

func TestReload_KeepsPriorConfigOnError(t *testing.T) {
	cfg, path := loadTestConfig(t, basicConfig)
	driver := beep.NewTestDriver("urn:demo:echo")
	c, err := New(cfg, driver)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("not valid xml at all"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	oldCfg := c.Config
	if err := c.Reload(path); err == nil {
		t.Fatal("Reload() with malformed config should error")
	}
	if c.Config != oldCfg {
		t.Error("Reload() replaced the live config despite a reload error")
	}
}

func TestShutdown_IdempotentAndClosesConnections(t *testing.T) {
	cfg, _ := loadTestConfig(t, basicConfig)
	driver := beep.NewTestDriver("urn:demo:echo")
	c, err := New(cfg, driver)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn := beep.NewConnection("c1", "127.0.0.1", "0.0.0.0:1602", beep.RoleListener)
	driver.Accept(conn)

	c.Shutdown()
	if _, ok := c.ConnMgr.Get("c1"); ok {
		t.Error("Shutdown() left a connection registered")
	}

	// Second call must not panic or block on an already-closed channel.
	c.Shutdown()
}
