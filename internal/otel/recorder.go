package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/screenqa/internal/bus"
)

// Recorder turns run events from the bus into metric recordings. It keeps
// instrumentation out of the orchestrator's hot path: step progress never
// waits on metrics.
type Recorder struct {
	metrics *Metrics
	bus     *bus.Bus
	sub     *bus.Subscription
	done    chan struct{}
}

// NewRecorder subscribes to all run topics.
func NewRecorder(m *Metrics, b *bus.Bus) *Recorder {
	return &Recorder{
		metrics: m,
		bus:     b,
		sub:     b.Subscribe(""),
		done:    make(chan struct{}),
	}
}

// Start consumes events until the context ends or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-r.sub.Ch():
				if !ok {
					return
				}
				r.record(ctx, ev)
			}
		}
	}()
}

// Stop unsubscribes and waits for the consumer to drain.
func (r *Recorder) Stop() {
	r.bus.Unsubscribe(r.sub)
	<-r.done
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicStepVerdict:
		v, ok := ev.Payload.(bus.StepVerdictEvent)
		if !ok {
			return
		}
		r.metrics.StepVerdicts.Add(ctx, 1, metric.WithAttributes(AttrVerdict.String(v.Verdict)))
		if v.RetryCount > 0 {
			r.metrics.StepRetries.Add(ctx, int64(v.RetryCount), metric.WithAttributes(AttrTestName.String(v.TestName)))
		}
	case bus.TopicTestAborted:
		if _, ok := ev.Payload.(bus.TestAbortedEvent); ok {
			r.metrics.TestsAborted.Add(ctx, 1)
		}
	}
}
