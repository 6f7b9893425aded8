package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dilip8700/zorix-agent/internal/events"
	"github.com/dilip8700/zorix-agent/internal/logging"
	"github.com/dilip8700/zorix-agent/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrApprovalDenied indicates the approver rejected the plan.
	ErrApprovalDenied = errors.New("approval denied")

	// ErrApprovalTimeout indicates no decision arrived within the window.
	// Treated as a denial: execution does not proceed.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrNoPendingApproval indicates a decision arrived for an execution
	// that is not waiting on one.
	ErrNoPendingApproval = errors.New("no pending approval for execution")
)

// Broker blocks executions that need approval until a decision arrives.
// Each wait is scoped to one execution; concurrent executions are unaffected
// by each other's pending approvals.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan bool

	bus *events.Bus
	log *logging.Logger
}

// NewBroker creates a Broker publishing approval events on bus.
func NewBroker(bus *events.Bus, log *logging.Logger) *Broker {
	if log == nil {
		log = logging.NewNop()
	}
	return &Broker{
		pending: make(map[string]chan bool),
		bus:     bus,
		log:     log,
	}
}

// Await blocks until the pending approval for executionID is resolved, the
// timeout elapses, or ctx is cancelled. Assessments that require no approval
// return immediately. Timeout and cancellation are both denials.
func (b *Broker) Await(ctx context.Context, executionID string, a Assessment, timeout time.Duration) error {
	if a.Approval == ApprovalNone {
		return nil
	}

	ch := make(chan bool, 1)
	b.mu.Lock()
	if _, exists := b.pending[executionID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("approval already pending for execution %s", executionID)
	}
	b.pending[executionID] = ch
	b.mu.Unlock()
	defer b.remove(executionID)

	b.bus.Emit(events.TypeApprovalRequested, executionID, map[string]any{
		"approval": string(a.Approval),
		"level":    string(a.Level),
		"summary":  a.Summary(),
	})
	b.log.Info(ctx, "approval requested",
		zap.String("approval", string(a.Approval)),
		zap.String("risk_level", string(a.Level)),
		zap.Duration("timeout", timeout),
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case granted := <-ch:
		outcome := "granted"
		if !granted {
			outcome = "denied"
		}
		metrics.ApprovalsTotal.WithLabelValues(outcome).Inc()
		b.bus.Emit(events.TypeApprovalResolved, executionID, map[string]any{"outcome": outcome})
		if !granted {
			return ErrApprovalDenied
		}
		return nil
	case <-timer.C:
		metrics.ApprovalsTotal.WithLabelValues("timeout").Inc()
		b.bus.Emit(events.TypeApprovalResolved, executionID, map[string]any{"outcome": "timeout"})
		return fmt.Errorf("%w after %s", ErrApprovalTimeout, timeout)
	case <-ctx.Done():
		metrics.ApprovalsTotal.WithLabelValues("denied").Inc()
		return fmt.Errorf("approval wait cancelled: %w", ctx.Err())
	}
}

// Resolve delivers a decision for a pending approval.
func (b *Broker) Resolve(executionID string, granted bool) error {
	b.mu.Lock()
	ch, ok := b.pending[executionID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, executionID)
	}
	select {
	case ch <- granted:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, executionID)
	}
}

// Pending reports whether executionID is waiting on an approval.
func (b *Broker) Pending(executionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[executionID]
	return ok
}

func (b *Broker) remove(executionID string) {
	b.mu.Lock()
	delete(b.pending, executionID)
	b.mu.Unlock()
}
