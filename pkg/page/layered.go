package page

import "github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"

// Layered splits a page into its confirmed durable state and the recent
// transient changes on top of it. The visible value is their XOR.
// Either layer may be nil.
type Layered struct {
	Durable   *Page
	Transient *Page
}

func (l *Layered) transient() *Page {
	if l.Transient == nil {
		l.Transient = New()
	}
	return l.Transient
}

func (l *Layered) Get(o checkbox.Offset) bool {
	var v bool
	if l.Transient != nil {
		v = l.Transient.Get(o)
	}
	if l.Durable != nil {
		v = v != l.Durable.Get(o)
	}
	return v
}

// Toggle flips o in the transient layer.
func (l *Layered) Toggle(o checkbox.Offset) {
	l.transient().Toggle(o)
}

// ToggleAt flips o in the transient layer and advances its time.
func (l *Layered) ToggleAt(o checkbox.Offset, t checkbox.Time) error {
	return l.transient().ToggleAt(o, t)
}

// AdvanceTime records a confirmation on the transient layer. Stale means
// older than either layer.
func (l *Layered) AdvanceTime(t checkbox.Time) error {
	if l.Durable != nil && t <= l.Durable.Time() {
		return l.Durable.AdvanceTime(t)
	}
	return l.transient().AdvanceTime(t)
}

// Time is the newest time of both layers.
func (l *Layered) Time() checkbox.Time {
	var t checkbox.Time
	if l.Durable != nil {
		t = l.Durable.Time()
	}
	if l.Transient != nil && l.Transient.Time() > t {
		t = l.Transient.Time()
	}
	return t
}

// Merge drains the transient layer into the durable one. The transient layer
// is dropped and recreated on the next write.
func (l *Layered) Merge() *Page {
	if l.Durable == nil {
		l.Durable = New()
	}
	if l.Transient != nil {
		l.Durable.Merge(l.Transient)
		l.Transient = nil
	}
	return l.Durable
}
