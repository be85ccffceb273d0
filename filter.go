package coreproj

// EventFilter decides whether a raw record passes into the projection, in
// two phases: a per-source check (by stream or category, cheap enough to
// steer a server-side subscription) and a per-event check (by event type,
// applied after the source check passes).
type EventFilter interface {
	// AllowsSource reports whether records from this stream/category should
	// be considered at all.
	AllowsSource(streamID, category string) bool

	// AllowsEvent reports whether a record that already passed AllowsSource
	// should be delivered to the handler.
	AllowsEvent(rec EventRecord) bool
}

// StreamFilter passes every event from a fixed set of stream IDs.
type StreamFilter struct {
	streams map[string]struct{}
}

// NewStreamFilter builds a filter over an explicit set of stream IDs.
func NewStreamFilter(streams ...string) *StreamFilter {
	f := &StreamFilter{streams: make(map[string]struct{}, len(streams))}
	for _, s := range streams {
		f.streams[s] = struct{}{}
	}
	return f
}

func (f *StreamFilter) AllowsSource(streamID, _ string) bool {
	_, ok := f.streams[streamID]
	return ok
}

func (f *StreamFilter) AllowsEvent(EventRecord) bool { return true }

// CategoryFilter passes every event whose category is in a fixed set,
// optionally narrowed further by event type.
type CategoryFilter struct {
	categories map[string]struct{}
	eventTypes map[string]struct{} // empty means "all types"
}

// NewCategoryFilter builds a filter over categories, optionally restricted
// to a set of event types within those categories.
func NewCategoryFilter(categories []string, eventTypes ...string) *CategoryFilter {
	f := &CategoryFilter{
		categories: make(map[string]struct{}, len(categories)),
		eventTypes: make(map[string]struct{}, len(eventTypes)),
	}
	for _, c := range categories {
		f.categories[c] = struct{}{}
	}
	for _, t := range eventTypes {
		f.eventTypes[t] = struct{}{}
	}
	return f
}

func (f *CategoryFilter) AllowsSource(_, category string) bool {
	_, ok := f.categories[category]
	return ok
}

func (f *CategoryFilter) AllowsEvent(rec EventRecord) bool {
	if len(f.eventTypes) == 0 {
		return true
	}
	_, ok := f.eventTypes[rec.EventType]
	return ok
}

// AllFilter passes every source and every event; used by $all-style
// subscriptions that let the handler itself decide relevance.
type AllFilter struct{}

func (AllFilter) AllowsSource(string, string) bool { return true }
func (AllFilter) AllowsEvent(EventRecord) bool     { return true }
