// Package failover decides which transport carries a session. Cable is
// preferred over network; a healthy active channel is never abandoned just
// because a higher-priority one recovered.
package failover

import (
	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/transport"
)

// MinActiveScore gates which channels may carry the session
const MinActiveScore = 40.0

// ChannelView is the controller's input for one channel
type ChannelView struct {
	Kind     transport.Kind
	Status   transport.Status
	Score    float64
	Eligible bool // false while recovery hysteresis is pending
}

// usable reports whether the channel can carry traffic right now
func (v ChannelView) usable() bool {
	bound := v.Status == transport.StatusBound ||
		v.Status == transport.StatusDegraded ||
		v.Status == transport.StatusStandby
	return bound && v.Eligible && v.Score >= MinActiveScore
}

// Decision is the controller's verdict
type Decision struct {
	Target  transport.Kind // KindNone means no channel is usable (cache-only)
	Migrate bool           // true when Target differs from the current active
	Reason  string
}

// Controller selects the active transport
type Controller struct {
	// priority order, most preferred first
	priority []transport.Kind
}

// NewController creates a controller with the standard cable-first priority
func NewController() *Controller {
	return &Controller{
		priority: []transport.Kind{transport.KindCable, transport.KindNetwork},
	}
}

// SelectActive picks the transport that should carry the session. views may
// contain entries for any subset of kinds; active is the currently active
// kind (KindNone when there is none).
func (c *Controller) SelectActive(views []ChannelView, active transport.Kind) Decision {
	byKind := make(map[transport.Kind]ChannelView, len(views))
	for _, v := range views {
		byKind[v.Kind] = v
	}

	// a healthy active channel keeps the session: no switch-back churn
	if cur, ok := byKind[active]; ok && active != transport.KindNone && cur.usable() {
		return Decision{Target: active, Migrate: false, Reason: "active channel healthy"}
	}

	for _, kind := range c.priority {
		v, ok := byKind[kind]
		if !ok || !v.usable() {
			continue
		}
		if kind == active {
			return Decision{Target: kind, Migrate: false, Reason: "active channel healthy"}
		}

		d := Decision{Target: kind, Migrate: active != transport.KindNone, Reason: "migrating to usable channel"}
		if active == transport.KindNone {
			d.Reason = "selecting initial channel"
		}
		log.Info().
			Str("from", active.String()).
			Str("to", kind.String()).
			Float64("score", v.Score).
			Msg("failover decision")
		return d
	}

	return Decision{Target: transport.KindNone, Migrate: active != transport.KindNone, Reason: "no usable channel"}
}
