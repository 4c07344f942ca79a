package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/randalmurphal/runengine/pkg/runengine/event"
)

// Worker serves execution requests from a bus with a local Executor and
// publishes the replies. It is the remote half of BusExecutor.
type Worker struct {
	bus    event.Bus
	exec   Executor
	logger *slog.Logger

	mu   sync.Mutex
	sub  event.Subscription
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewWorker creates a worker that runs requests with exec.
func NewWorker(bus event.Bus, exec Executor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{bus: bus, exec: exec, logger: logger}
}

// Start subscribes to execution requests. Each request runs on its own
// goroutine so slow steps do not hold up the subscription.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := w.bus.Subscribe(event.ChannelExecutionRequests, []string{EventExecutionRequested},
		event.TypedHandler(func(_ context.Context, req Request, meta event.Metadata) error {
			if req.ExecutionID == "" {
				req.ExecutionID = meta.CorrelationID
			}
			w.mu.Lock()
			if w.sub == nil {
				w.mu.Unlock()
				return nil
			}
			w.wg.Add(1)
			w.mu.Unlock()
			go func() {
				defer w.wg.Done()
				w.serve(ctx, req)
			}()
			return nil
		}))
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to %s: %w", event.ChannelExecutionRequests, err)
	}
	w.sub = sub
	w.stop = cancel
	return nil
}

// Stop unsubscribes, cancels in-flight requests and waits for them.
func (w *Worker) Stop() {
	w.mu.Lock()
	sub, cancel := w.sub, w.stop
	w.sub, w.stop = nil, nil
	w.mu.Unlock()

	if sub == nil {
		return
	}
	sub.Unsubscribe()
	cancel()
	w.wg.Wait()
}

func (w *Worker) serve(ctx context.Context, req Request) {
	payload := OutputPayload{
		ExecutionID: req.ExecutionID,
		RunID:       req.RunID,
		StepID:      req.StepID,
	}

	outputs, err := w.exec.Execute(ctx, req)
	if err != nil {
		payload.Error = err.Error()
	} else {
		payload.Outputs = outputs
	}

	evt := event.New(event.ChannelExecutionOutputs, EventExecutionFinished, payload,
		event.WithCorrelationID(req.ExecutionID))
	if err := w.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		w.logger.Warn("publish execution output failed",
			slog.String("run_id", req.RunID),
			slog.String("step_id", req.StepID),
			slog.String("error", err.Error()),
		)
	}
}
