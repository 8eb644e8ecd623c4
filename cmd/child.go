package cmd

import (
	"net"
	"os"

	"github.com/spf13/cobra"

	cerrors "turbulenced/errors"
	"turbulenced/internal/beep"
	"turbulenced/internal/config"
	"turbulenced/internal/modhost"
	"turbulenced/internal/ppath"
	"turbulenced/internal/supervisor"
	"turbulenced/logging"
)

// configEnvVar carries the parent's resolved config path down to a
// re-exec'd child (spec.md §4.7.1's child re-establishes its own state
// rather than inheriting it across fork, since there is no fork). The
// parent sets this once in runDaemon; exec.Command inherits the process
// environment by default, so the child reads it back here.
const configEnvVar = "TURBULENCED_CONFIG"

// childCmd is the hidden subcommand a re-exec'd supervisor child runs as
// (mirrors the teacher's own hidden "init" subcommand in cmd/init.go).
var childCmd = &cobra.Command{
	Use:    supervisor.ChildSubcommand + " <control-socket-path>",
	Short:  "Run as a supervised child process (internal use)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runChild,
}

func init() {
	rootCmd.AddCommand(childCmd)
}

func runChild(cmd *cobra.Command, args []string) error {
	controlSocketPath := args[0]

	cfgPath := os.Getenv(configEnvVar)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	p, err := ppath.Build(cfg)
	if err != nil {
		return err
	}

	cc, handoff, err := supervisor.Dial(controlSocketPath)
	if err != nil {
		return err
	}
	defer cc.Close()

	def, ok := ppath.ByID(p, handoff.PPathDefID)
	if !ok {
		return cerrors.New(cerrors.ErrChildSpawnFailed, "cmd.runChild", "no path-def with this id in local config")
	}

	// Privilege transitions run once, at child startup, in the order
	// spec.md §4.6.5 requires: chroot before dropping to the unprivileged
	// uid/gid, then the working directory.
	if err := ppath.ChangeRoot(def); err != nil {
		return err
	}
	if err := ppath.ChangeUserID(def); err != nil {
		return err
	}
	if err := ppath.ChangeWorkDir(def); err != nil {
		return err
	}

	driver := beep.NewTestDriver()
	host := modhost.NewHost(cfg)
	if err := host.InitAll(cfg.CleanStart()); err != nil {
		return err
	}
	defer host.Unload()
	defer host.Close()

	view := modhost.NewPPathDefView(def.ID, def.Name)
	acceptHandoff(driver, host, view, handoff)

	for {
		status, fd, err := cc.ReceiveReuse()
		if err != nil {
			logging.Info("child: control link closed, exiting", "error", err)
			return nil
		}
		acceptHandoff(driver, host, view, supervisor.Handoff{
			Status:     status,
			ConnFile:   fd,
			PPathDefID: status.PPathDefID,
		})
	}
}

// replayTimeoutMs bounds how long a child blocks finalizing a start-reply
// that was already decided by the parent before handoff (spec.md §4.6.4's
// "blocking up to a timeout"). Spec.md gives no distinct figure for this
// path, so this reuses the 1 s flush-before-close bound it does give for
// the analogous failed-channel-start case (spec.md §5).
const replayTimeoutMs = 1000

// acceptHandoff turns one handed-off connection fd into a beep.Connection
// and notifies modules it was selected for this path. Wiring the raw fd
// into a real BEEP engine's frame I/O is the concrete extension point a
// production Driver implementation owns; this repository's Non-goals
// exclude implementing that wire protocol itself.
func acceptHandoff(driver beep.Driver, host *modhost.Host, view *modhost.PPathDefView, h supervisor.Handoff) {
	fc, err := net.FileConn(h.ConnFile)
	if err != nil {
		logging.Error("child: FileConn failed", "conn_id", h.Status.ConnID, "error", err)
		h.ConnFile.Close()
		return
	}
	conn := beep.NewConnection(h.Status.ConnID, h.Status.RemoteHost, h.Status.LocalAddr, beep.Role(h.Status.Role))
	conn.Set("net.conn", fc)

	if h.Status.SkipFirstStartReply {
		// The parent's mask already granted this connection's first
		// channel-start before handoff (spec.md §4.6.4); don't dispatch it
		// as fresh here, just block until the reply the parent decided on
		// has had time to reach the peer.
		driver.BlockUntilRepliesAreSent(conn, 0, replayTimeoutMs)
		logging.Info("child: replayed pre-decided start-reply", "conn_id", conn.ID, "ppath", view.Name)
	}

	if !host.NotifyPPathSelected(view, conn) {
		logging.Info("child: connection rejected by a module, closing", "conn_id", conn.ID, "ppath", view.Name)
		driver.Shutdown(conn)
		fc.Close()
		return
	}
	logging.Info("child: accepted handed-off connection", "conn_id", conn.ID, "ppath", view.Name)
}

