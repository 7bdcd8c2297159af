package hostsvc

import (
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/kernel"
	"github.com/zboralski/xrecomp/internal/log"
)

type event struct {
	manual   bool
	signaled bool
}

// Sync implements kernel.Sync for a single execution context. A wait on an
// unsignaled event cannot be satisfied by anyone else, so finite waits
// elapse on the clock and time out, and unbounded waits are reported and
// return success.
type Sync struct {
	clock  kernel.Clock
	log    *log.Logger
	events map[uint32]*event
	next   uint32
}

// NewSync creates an empty event table.
func NewSync(clk kernel.Clock, l *log.Logger) *Sync {
	return &Sync{
		clock:  clk,
		log:    l.WithCategory("sync"),
		events: make(map[uint32]*event),
		next:   eventHandleBase,
	}
}

func (s *Sync) CreateEvent(manualReset, signaled bool) uint32 {
	s.next += 4
	s.events[s.next] = &event{manual: manualReset, signaled: signaled}
	return s.next
}

func (s *Sync) SetEvent(h uint32) (bool, error) {
	e, ok := s.events[h]
	if !ok {
		return false, kernel.StatusInvalidHandle
	}
	prev := e.signaled
	e.signaled = true
	return prev, nil
}

func (s *Sync) ResetEvent(h uint32) (bool, error) {
	e, ok := s.events[h]
	if !ok {
		return false, kernel.StatusInvalidHandle
	}
	prev := e.signaled
	e.signaled = false
	return prev, nil
}

func (s *Sync) Wait(h uint32, timeout time.Duration) kernel.Status {
	e, ok := s.events[h]
	if !ok {
		return kernel.StatusInvalidHandle
	}
	if e.signaled {
		if !e.manual {
			e.signaled = false
		}
		return kernel.StatusSuccess
	}
	if timeout == kernel.Infinite {
		s.log.Warn("unbounded wait on unsignaled event", zap.String("handle", log.Hex(h)))
		return kernel.StatusSuccess
	}
	if s.clock != nil {
		s.clock.Sleep(timeout)
	}
	return kernel.StatusTimeout
}

func (s *Sync) Close(h uint32) bool {
	if _, ok := s.events[h]; !ok {
		return false
	}
	delete(s.events, h)
	return true
}

// Len returns the number of open events.
func (s *Sync) Len() int { return len(s.events) }
