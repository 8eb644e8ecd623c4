package wsgate

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"turbulenced/internal/beep"
	"turbulenced/internal/modhost"
)

func TestStartAcceptsUpgradeAndStop(t *testing.T) {
	Addr = "127.0.0.1:0"
	if err := gw.start(); err != nil {
		t.Fatalf("start() error = %v", err)
	}
	defer gw.stop()

	url := "ws://" + ListenAddr() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", ClientCount())
	}
}

func TestOnPPathSelected_AlwaysAccepts(t *testing.T) {
	def := modhost.NewPPathDefView(1, "default")
	conn := beep.NewConnection("c1", "127.0.0.1", "0.0.0.0:1602", beep.RoleListener)
	if !gw.onPPathSelected(def, conn) {
		t.Error("onPPathSelected() = false, want true")
	}
}

func TestListenAddrEmptyBeforeStart(t *testing.T) {
	fresh := &gateway{clients: make(map[string]*websocket.Conn)}
	if got := fresh.ListenAddr(); got != "" {
		t.Errorf("ListenAddr() = %q before start, want empty", got)
	}
}
