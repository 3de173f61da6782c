package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all runner metric instruments.
type Metrics struct {
	StepDuration  metric.Float64Histogram
	StepVerdicts  metric.Int64Counter
	StepRetries   metric.Int64Counter
	TestsAborted  metric.Int64Counter
	AgentTurns    metric.Int64Counter
	TokensUsed    metric.Int64Counter
	RunDuration   metric.Float64Histogram
	CommitRetries metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StepDuration, err = meter.Float64Histogram("screenqa.step.duration",
		metric.WithDescription("Step execution duration in seconds, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepVerdicts, err = meter.Int64Counter("screenqa.step.verdicts",
		metric.WithDescription("Terminal step verdicts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.StepRetries, err = meter.Int64Counter("screenqa.step.retries",
		metric.WithDescription("Step retry attempts issued"),
	)
	if err != nil {
		return nil, err
	}

	m.TestsAborted, err = meter.Int64Counter("screenqa.test.aborts",
		metric.WithDescription("Tests aborted by the consecutive-failure limit"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentTurns, err = meter.Int64Counter("screenqa.agent.turns",
		metric.WithDescription("Agent loop turns consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("screenqa.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("screenqa.run.duration",
		metric.WithDescription("Whole-run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CommitRetries, err = meter.Int64Counter("screenqa.sink.commit_retries",
		metric.WithDescription("Result sink commit retries"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
