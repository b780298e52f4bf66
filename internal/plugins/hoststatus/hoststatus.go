// Package hoststatus is a host-side plugin that watches the event bus and
// reports process health. It demonstrates the host plugin surface: no
// capabilities, bus subscriptions on load, one read-only tool.
package hoststatus

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basket/nanoclaw/internal/bus"
	"github.com/basket/nanoclaw/internal/plugin"
)

func init() {
	plugin.RegisterFactory("host-status", func() plugin.Plugin { return &Status{} })
}

type Status struct {
	started time.Time

	inbound     atomic.Int64
	outbound    atomic.Int64
	agentStarts atomic.Int64
	taskRuns    atomic.Int64
}

func (s *Status) OnLoad(_ context.Context, pc *plugin.Context) error {
	s.started = time.Now()
	if pc.Bus == nil {
		return nil
	}
	pc.Bus.On(bus.EventMessageInbound, func(context.Context, any) error { s.inbound.Add(1); return nil })
	pc.Bus.On(bus.EventMessageOutbound, func(context.Context, any) error { s.outbound.Add(1); return nil })
	pc.Bus.On(bus.EventContainerStart, func(context.Context, any) error { s.agentStarts.Add(1); return nil })
	pc.Bus.On(bus.EventTaskCompleted, func(context.Context, any) error { s.taskRuns.Add(1); return nil })
	return nil
}

func (s *Status) Tools() []plugin.Tool {
	return []plugin.Tool{
		{
			Name:        "host_status",
			Description: "Report host process uptime, memory and traffic counters.",
			Handler:     s.report,
		},
	}
}

func (s *Status) report(context.Context, *plugin.ToolContext, map[string]any) (plugin.Result, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var b strings.Builder
	fmt.Fprintf(&b, "uptime: %s\n", time.Since(s.started).Round(time.Second))
	fmt.Fprintf(&b, "goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(&b, "heap: %.1f MiB\n", float64(ms.HeapAlloc)/(1024*1024))
	fmt.Fprintf(&b, "messages: %d in / %d out\n", s.inbound.Load(), s.outbound.Load())
	fmt.Fprintf(&b, "agent starts: %d\n", s.agentStarts.Load())
	fmt.Fprintf(&b, "task runs: %d", s.taskRuns.Load())
	return plugin.TextResult(b.String()), nil
}

var (
	_ plugin.Plugin = (*Status)(nil)
	_ plugin.Loader = (*Status)(nil)
)
