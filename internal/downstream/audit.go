package downstream

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/race-share/share/internal/applog"
)

// ReachabilityAuditor periodically reconciles the engine's OnlineNodes set
// against which children actually hold a live connection, correcting drift
// left by a connection that dropped without a clean unregister (e.g. a TCP
// reset the read loop hasn't observed yet). This is a defensive consistency
// check, disabled by default, the same role cron plays for the teacher's
// GeoIPUpdateSchedule.
type ReachabilityAuditor struct {
	srv *Server
	c   *cron.Cron
}

// StartReachabilityAudit schedules a sweep on cronExpr (standard 5-field
// cron syntax) against srv. It returns the running auditor; call Stop to
// halt it. An empty cronExpr is a programmer error — callers gate
// construction on RuntimeConfig.ReachabilityAuditCron being non-empty.
func StartReachabilityAudit(srv *Server, cronExpr string) (*ReachabilityAuditor, error) {
	c := cron.New()
	a := &ReachabilityAuditor{srv: srv, c: c}
	if _, err := c.AddFunc(cronExpr, a.sweep); err != nil {
		return nil, err
	}
	c.Start()
	return a, nil
}

// Stop halts the schedule and waits for any in-flight sweep to finish.
func (a *ReachabilityAuditor) Stop() {
	<-a.c.Stop().Done()
}

func (a *ReachabilityAuditor) sweep() {
	node := a.srv.eng.Snapshot()
	connected := make(map[string]bool)
	a.srv.children.Range(func(id string, _ *child) bool {
		connected[id] = true
		return true
	})

	ctx := context.Background()
	for id := range node.OnlineNodes {
		if !connected[id] {
			if err := a.srv.eng.RecordReachability(ctx, id, false); err != nil {
				applog.Warnf(applog.TagDownstream, "reachability audit: mark %s offline: %v", id, err)
			} else {
				applog.Infof(applog.TagDownstream, "reachability audit: corrected stale online node %s", id)
			}
		}
	}
	for id := range connected {
		if !node.OnlineNodes[id] {
			if err := a.srv.eng.RecordReachability(ctx, id, true); err != nil {
				applog.Warnf(applog.TagDownstream, "reachability audit: mark %s online: %v", id, err)
			} else {
				applog.Infof(applog.TagDownstream, "reachability audit: corrected stale offline node %s", id)
			}
		}
	}
}
