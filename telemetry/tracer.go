package telemetry

// Attribute represents a tracing attribute attached to a stage span or event.
type Attribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap stage execution and dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...Attribute) Span
}

// Span records stage lifecycle events and errors for tracing backends.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...Attribute)
	RecordError(err error)
}

// SpanAddEvent is a nil-safe helper mirroring the teacher's spanAddEvent.
func SpanAddEvent(span Span, name string, attrs ...Attribute) {
	if span == nil {
		return
	}
	span.AddEvent(name, attrs...)
}

// SpanRecordError is a nil-safe helper mirroring the teacher's spanRecordError.
func SpanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

// SpanEnd is a nil-safe helper mirroring the teacher's finishDispatcherSpan.
func SpanEnd(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}
