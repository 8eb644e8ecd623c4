// Package modhost implements the module host (spec.md §4.5, §6.3): module
// discovery, init, post-config notification, reload, close, and unload.
//
// Go has no portable, safe dlopen-equivalent for third-party modules built
// independently of this binary (plugin.Open is linux-only and fragile
// across toolchain versions, and nothing in the retrieved example pack
// uses it). Modules are instead Go packages compiled into this binary that
// call Register from an init() function — an explicit in-process
// registration API standing in for dynamic loading, while keeping every
// lifecycle phase spec.md §4.5 names.
package modhost

import (
	"sync"

	cerrors "turbulenced/errors"
	"turbulenced/internal/beep"
	"turbulenced/internal/config"
	"turbulenced/logging"
)

// ModuleDef is a module's static registration record (spec.md §3's
// ModuleRecord / §6.3's ModuleDef). Dir scopes the module to a
// configuration-enabled module directory (spec.md's "discover modules by
// scanning configured directories" becomes "discover registered modules
// whose directory tag matches the configured module-dirs"). Name must be
// set. Init, Close, Reload, Unload, and PPathSelected may be nil; a module
// with a nil Init is enabled without an init call.
type ModuleDef struct {
	Name        string
	Description string
	Dir         string

	Init func() error
	// Close is called in reverse registration order on shutdown.
	Close func()
	// Reload is called on every registered module on SIGHUP; must be
	// idempotent.
	Reload func() error
	// Unload runs after the BEEP engine has stopped, after Close.
	Unload func()
	// PPathSelected is notified exactly once per accepted connection,
	// after privilege drop in the child. It returns false to reject the
	// connection (see CloseConnOnFailure).
	PPathSelected func(def *PPathDefView, conn *beep.Connection) bool

	// CloseConnOnFailure mirrors the module ABI's close-conn-on-failure
	// attribute: if PPathSelected returns false and this is true, the
	// connection is closed.
	CloseConnOnFailure bool
}

// PPathDefView is the minimal view of a ppath.Def a module needs; declared
// here (rather than importing internal/ppath) to avoid a dependency cycle,
// since internal/ppath has no need to know about modules.
type PPathDefView struct {
	ID   uint32
	Name string
}

// NewPPathDefView constructs the view passed to PPathSelected callbacks.
func NewPPathDefView(id uint32, name string) *PPathDefView {
	return &PPathDefView{ID: id, Name: name}
}

var (
	registryMu sync.Mutex
	registry   []*ModuleDef
)

// Register records a module definition for later initialization by a Host.
// Called from package init() functions of compiled-in modules.
func Register(def *ModuleDef) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, def)
}

// registered returns a snapshot of every module registered so far.
func registered() []*ModuleDef {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]*ModuleDef, len(registry))
	copy(out, registry)
	return out
}

// Host owns the lifecycle of every enabled module.
type Host struct {
	mu       sync.Mutex
	enabled  []*ModuleDef
	reloadMu sync.Mutex
}

// NewHost discovers enabled modules: every registered ModuleDef whose Dir
// is either empty (always enabled) or present in cfg.ModuleDirs().
func NewHost(cfg *config.Config) *Host {
	dirs := make(map[string]bool)
	for _, d := range cfg.ModuleDirs() {
		dirs[d] = true
	}

	h := &Host{}
	for _, def := range registered() {
		if def.Dir == "" || dirs[def.Dir] {
			h.enabled = append(h.enabled, def)
		}
	}
	return h
}

// InitAll runs Init on every enabled module, in registration order. If a
// module's Init fails: under cleanStart the whole process must abort
// (returned as ErrCleanStartAbort so the orchestrator can exit); otherwise
// the module is ejected from h and initialization continues.
func (h *Host) InitAll(cleanStart bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ok []*ModuleDef
	for _, def := range h.enabled {
		if def.Init == nil {
			ok = append(ok, def)
			continue
		}
		if err := def.Init(); err != nil {
			logging.Error("modhost: module init failed", "module", def.Name, "error", err)
			if cleanStart {
				return cerrors.Wrap(err, cerrors.ErrModuleInitFailed, "modhost.InitAll")
			}
			continue
		}
		ok = append(ok, def)
	}
	h.enabled = ok
	return nil
}

// NotifyPPathSelected fires PPathSelected(def, conn) on every module that
// has one, in registration order, exactly once per accepted connection,
// after privilege drop in the child (spec.md §4.5 phase 2). It stops and
// returns false at the first module that rejects the connection and has
// CloseConnOnFailure set; modules after it are not notified. The caller
// closes the connection when it returns false.
func (h *Host) NotifyPPathSelected(def *PPathDefView, conn *beep.Connection) bool {
	h.mu.Lock()
	mods := append([]*ModuleDef(nil), h.enabled...)
	h.mu.Unlock()

	for _, m := range mods {
		if m.PPathSelected == nil {
			continue
		}
		if !m.PPathSelected(def, conn) && m.CloseConnOnFailure {
			return false
		}
	}
	return true
}

// Reload calls Reload on every enabled module. At most one reload is ever
// in flight, serialized by reloadMu (spec.md §4.5 phase 3).
func (h *Host) Reload() {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	h.mu.Lock()
	mods := append([]*ModuleDef(nil), h.enabled...)
	h.mu.Unlock()

	for _, m := range mods {
		if m.Reload == nil {
			continue
		}
		if err := m.Reload(); err != nil {
			logging.Error("modhost: module reload failed", "module", m.Name, "error", err)
		}
	}
}

// Close calls Close on every enabled module in reverse registration order
// (spec.md §4.5 phase 4, step 1).
func (h *Host) Close() {
	h.mu.Lock()
	mods := append([]*ModuleDef(nil), h.enabled...)
	h.mu.Unlock()

	for i := len(mods) - 1; i >= 0; i-- {
		if mods[i].Close != nil {
			mods[i].Close()
		}
	}
}

// Unload calls Unload on every enabled module, in reverse registration
// order, after the BEEP engine has been stopped (spec.md §4.5 phase 4,
// step 2).
func (h *Host) Unload() {
	h.mu.Lock()
	mods := append([]*ModuleDef(nil), h.enabled...)
	h.mu.Unlock()

	for i := len(mods) - 1; i >= 0; i-- {
		if mods[i].Unload != nil {
			mods[i].Unload()
		}
	}
}

// Enabled returns the currently enabled module definitions, in
// registration order.
func (h *Host) Enabled() []*ModuleDef {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*ModuleDef(nil), h.enabled...)
}

// resetRegistryForTest clears the package-level registry. Test-only.
func resetRegistryForTest() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = nil
}
