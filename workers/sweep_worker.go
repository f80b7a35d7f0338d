package workers

import (
	"errors"
	"log"
	"time"

	"github.com/quillhealth/chartminder/services"
)

// SweepWorker drives the dispatcher on a fixed cadence. The dispatcher's own
// guard handles a sweep outliving the tick interval: the colliding tick is
// skipped, not queued.
type SweepWorker struct {
	Dispatcher *services.DeliveryDispatcher
	Interval   time.Duration
}

func NewSweepWorker(dispatcher *services.DeliveryDispatcher, interval time.Duration) *SweepWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SweepWorker{
		Dispatcher: dispatcher,
		Interval:   interval,
	}
}

// StartSweepWorker runs the sweep loop until the process exits.
func (w *SweepWorker) StartSweepWorker() {
	log.Printf("Sweep worker started, sweeping every %s...", w.Interval)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for range ticker.C {
		summary, err := w.Dispatcher.Sweep(time.Now().UTC())
		if err != nil {
			if errors.Is(err, services.ErrSweepInProgress) || errors.Is(err, services.ErrChannelUnavailable) {
				// Already logged by the dispatcher.
				continue
			}
			log.Printf("Sweep worker: sweep failed: %v", err)
			continue
		}
		if summary.Sent > 0 || summary.Failed > 0 || summary.Cancelled > 0 {
			log.Printf("Sweep worker: %d sent, %d failed, %d cancelled", summary.Sent, summary.Failed, summary.Cancelled)
		}
	}
}
