package ppath

import (
	"fmt"

	"turbulenced/internal/beep"
	"turbulenced/internal/config"
	"turbulenced/internal/expr"
)

// Mask evaluates the channel-start/greetings filter for def against conn,
// per spec.md §4.6.2. channelNum == -1 means greetings/advertisement: a
// deny is never turned into an outward error in that case. filter == true
// means deny.
func Mask(def *Def, cfg *config.Config, driver beep.Driver, conn *beep.Connection, channelNum int, uri, profileContent, serverName string) (filter bool, errOut error) {
	filter, allowed := maskItems(def.Items, def, cfg, driver, conn, channelNum, uri, profileContent, serverName)
	if allowed {
		if !filter && channelNum > 0 && def.Separate {
			markReplayAtChild(conn)
		}
		return filter, nil
	}

	if channelNum <= 0 {
		return true, nil
	}
	return true, fmt.Errorf("policy denies profile %s on ppath %s (conn %s [%s])", uri, def.Name, conn.ID, conn.RemoteHost)
}

// markReplayAtChild flags the connection per spec.md §4.6.4: a granted
// channel-start on a separate-mode path means this reply can only be
// finalized once the connection has moved to its child, so the child must
// replay it there rather than the parent dispatching it as if fresh.
func markReplayAtChild(conn *beep.Connection) {
	state, ok := conn.PPathState()
	if !ok {
		state = &beep.PPathState{}
	}
	state.ReplayAtChild = true
	conn.SetPPathState(state)
}

// maskItems runs the direct-allow scan and conditional descent over items,
// returning (filter, decided). decided is false only when no rule in items
// granted or denied the request, signaling the caller to fall through to
// the final deny.
func maskItems(items []*Item, def *Def, cfg *config.Config, driver beep.Driver, conn *beep.Connection, channelNum int, uri, profileContent, serverName string) (filter bool, decided bool) {
	// Pass 1: direct allow scan.
	for _, item := range items {
		if item.Profile == nil || !expr.Match(item.Profile, uri) {
			continue
		}
		if item.Preconnmark != "" && !conn.Has(item.Preconnmark) {
			continue
		}
		if item.MaxPerConn > 0 && conn.ChannelCount(uri) >= item.MaxPerConn {
			continue
		}

		if channelNum > 0 && def.ServerName != nil {
			if deny := !bindServerName(conn, def.ServerName, serverName); deny {
				return true, true
			}
		}
		return false, true
	}

	// Pass 2: conditional descent over IfSuccess items.
	registered := driver.RegisteredProfiles()
	for _, item := range items {
		if item.Kind != KindIfSuccess {
			continue
		}

		if !ifSuccessSatisfied(item, cfg, driver, conn, registered) {
			continue
		}
		if item.Connmark != "" && !conn.Has(item.Connmark) {
			continue
		}

		if len(item.Children) == 0 {
			// An IfSuccess with zero children is equivalent to Allow.
			return false, true
		}
		if f, ok := maskItems(item.Children, def, cfg, driver, conn, channelNum, uri, profileContent, serverName); ok {
			return f, true
		}
	}

	return false, false
}

// ifSuccessSatisfied reports whether item's guard profile is considered
// "running" on conn: either a currently registered URI matching item's
// profile expression is live on conn, or (per spec.md §4.6.3) that URI is
// aliased to a connection attribute conn carries.
func ifSuccessSatisfied(item *Item, cfg *config.Config, driver beep.Driver, conn *beep.Connection, registered []string) bool {
	for _, regURI := range registered {
		if item.Profile == nil || !expr.Match(item.Profile, regURI) {
			continue
		}
		if conn.ChannelRunning(regURI) {
			return true
		}
		if aliasKey, ok := cfg.AttrAlias(regURI); ok && conn.Has(aliasKey) {
			return true
		}
	}
	return false
}

// bindServerName implements serverName irreversibility (spec.md P3): the
// first channel-start under a given serverName binds the connection to it;
// any later mismatching serverName is denied even against a def whose
// server-name expression would otherwise match.
func bindServerName(conn *beep.Connection, def *expr.Expr, serverName string) (allowed bool) {
	state, has := conn.PPathState()
	if !has {
		state = &beep.PPathState{}
	}

	if state.ServerNameSet {
		return state.ServerName == serverName
	}

	if !expr.Match(def, serverName) {
		return false
	}

	state.ServerName = serverName
	state.ServerNameSet = true
	conn.SetPPathState(state)
	return true
}
