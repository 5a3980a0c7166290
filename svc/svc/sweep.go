package svc

import (
	"context"
	"time"

	"ephem/svc/db"
	"ephem/svc/util"
)

// StartSweeper reclaims expired in-process records every interval until ctx
// is done. It runs whether or not the remote store is active, since memory
// holds whatever was written after a failover.
func StartSweeper(ctx context.Context, mem *db.Memory, interval time.Duration) {
	go runSweeper(ctx, mem, interval)
}

func runSweeper(ctx context.Context, mem *db.Memory, interval time.Duration) {
	sweepRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, sweepRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", sweepRequestID).
		Dur("interval", interval).
		Msg("sweep worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", sweepRequestID).
				Msg("sweep worker shutting down")
			return
		case now := <-ticker.C:
			if n := mem.Sweep(now); n > 0 {
				util.Debug().
					Int("swept", n).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("sweep completed")
			}
		}
	}
}
