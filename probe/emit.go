package probe

import (
	"log"

	"github.com/jnesss/fim-recorder/events"
	"github.com/jnesss/fim-recorder/host"
)

// fillProcessContext joins process identity into the event. The cache is an
// external collaborator: an absent entry just leaves uid/gid zeroed.
func (p *Probe) fillProcessContext(ctx *host.Context, out *events.ProcessContext) {
	out.PID = ctx.PID
	out.TID = ctx.TID
	out.Comm = events.MakeComm(ctx.Comm)
	if info, ok := p.procs.Get(ctx.PID); ok {
		out.UID = info.UID
		out.GID = info.GID
		if info.Comm != "" {
			out.Comm = events.MakeComm(info.Comm)
		}
	}
}

// fillContainerContext joins the container identifier, if the process has one
func (p *Probe) fillContainerContext(ctx *host.Context, out *events.ContainerContext) {
	if info, ok := p.procs.Get(ctx.PID); ok {
		copy(out.ID[:], info.ContainerID)
	}
}

// fillSpanContext joins tracing correlation for the calling thread
func (p *Probe) fillSpanContext(ctx *host.Context, out *events.SpanContext) {
	if span, ok := p.spans.Get(ctx.TID); ok {
		out.SpanID = span.SpanID
		out.TraceID = span.TraceID
	}
}

// sendEvent publishes one fixed-layout record to the output ring. At most one
// record is ever sent per syscall instance.
func (p *Probe) sendEvent(event interface{}) {
	data, err := events.Marshal(event)
	if err != nil {
		log.Printf("Failed to encode event: %v", err)
		return
	}
	if !p.out.Write(data) {
		log.Printf("Output ring full, dropped event (%d lost so far)", p.out.Lost())
	}
}
