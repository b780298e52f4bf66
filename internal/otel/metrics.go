package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the host's metric instruments.
type Metrics struct {
	MessagesInbound  metric.Int64Counter
	MessagesOutbound metric.Int64Counter
	AgentSpawns      metric.Int64Counter
	AgentsActive     metric.Int64UpDownCounter
	AgentRunDuration metric.Float64Histogram
	TaskRuns         metric.Int64Counter
	TaskFailures     metric.Int64Counter
	TaskRunDuration  metric.Float64Histogram
	IPCRecords       metric.Int64Counter
}

// NewMetrics creates every instrument from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesInbound, err = meter.Int64Counter("nanoclaw.messages.inbound",
		metric.WithDescription("Inbound messages accepted by the router"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesOutbound, err = meter.Int64Counter("nanoclaw.messages.outbound",
		metric.WithDescription("Outbound messages sent through channels"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentSpawns, err = meter.Int64Counter("nanoclaw.agent.spawns",
		metric.WithDescription("Agent subprocesses started"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsActive, err = meter.Int64UpDownCounter("nanoclaw.agent.active",
		metric.WithDescription("Agent subprocesses currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentRunDuration, err = meter.Float64Histogram("nanoclaw.agent.duration",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRuns, err = meter.Int64Counter("nanoclaw.task.runs",
		metric.WithDescription("Scheduled task runs completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("nanoclaw.task.failures",
		metric.WithDescription("Scheduled task runs that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRunDuration, err = meter.Float64Histogram("nanoclaw.task.duration",
		metric.WithDescription("Scheduled task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IPCRecords, err = meter.Int64Counter("nanoclaw.ipc.records",
		metric.WithDescription("IPC records drained from agent outboxes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
