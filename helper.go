package ouroborosevidence

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// StartOpsCounter logs store operations per interval until ctx is done. The returned
// channel is closed once the counter has stopped.
func (v *Vault) StartOpsCounter(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reads, writes := v.store.SwapCounters()
				v.log.WithFields(logrus.Fields{
					"read_ops":  reads,
					"write_ops": writes,
					"interval":  interval,
				}).Info("Store operations")
			}
		}
	}()
	return done
}
