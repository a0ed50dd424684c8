package tracing

// Span names and attribute keys emitted by the registry.
const (
	SpanFault = "subjectmap.fault"

	AttrKey         = "subjectmap.key"
	AttrFaultOrigin = "subjectmap.fault.origin"
	AttrOutcome     = "subjectmap.fault.outcome"
)
