//go:build linux

package alice

import (
	"time"

	"github.com/ext-sakamoro/ALICE-Container/scheduler"
)

// psiWaitTimeout bounds each park on the pressure trigger so the
// driver notices a stop request even if the kernel never fires.
const psiWaitTimeout = time.Second

// psiDriver runs the event-driven scheduler on its own goroutine,
// giving it the same Start/Stop surface as the polling variant.
type psiDriver struct {
	ps     *scheduler.PsiScheduler
	stopCh chan struct{}
	doneCh chan struct{}
}

func newPsiDriver(ps *scheduler.PsiScheduler) *psiDriver {
	return &psiDriver{ps: ps}
}

func (d *psiDriver) Start() error {
	if d.stopCh != nil {
		return nil
	}
	if err := d.ps.Start(); err != nil {
		return err
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.run(d.stopCh, d.doneCh)
	return nil
}

func (d *psiDriver) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if d.ps.State() != scheduler.StateRunning {
			return
		}
		// Wait returns promptly on pressure, stop wake-ups, and the
		// bounded timeout; errors past the failure budget flip the
		// scheduler to Stopped, ending the loop above.
		d.ps.Wait(psiWaitTimeout)
	}
}

// Stop wakes any in-flight wait, joins the loop, and releases the
// trigger descriptors. Stopping twice is a no-op.
func (d *psiDriver) Stop() {
	if d.stopCh == nil {
		return
	}
	close(d.stopCh)
	d.ps.Stop()
	<-d.doneCh
	d.stopCh = nil
	d.ps.Close()
}
