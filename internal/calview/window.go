package calview

import (
	"sync"
	"time"

	"currently/internal/recurrence"
)

// selectPastDays and selectFutureDays size the window opened by SelectDate,
// wide enough to cover a month grid around the selected date.
const (
	selectPastDays   = 14
	selectFutureDays = 61
)

// ViewState tracks the window the widget is showing. Every change of the
// window is reported to OnChange.
type ViewState struct {
	mu       sync.RWMutex
	loc      *time.Location
	window   recurrence.Span
	selected CalendarDate

	OnChange func(recurrence.Span)
	now      func() time.Time
}

func NewViewState(loc *time.Location, pastDays, futureDays int) *ViewState {
	v := &ViewState{loc: orLocal(loc), now: time.Now}
	now := v.now()
	v.window = DefaultWindow(now, pastDays, futureDays)
	v.selected = DateOf(now, v.loc)
	return v
}

func (v *ViewState) Window() recurrence.Span {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.window
}

func (v *ViewState) Selected() CalendarDate {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.selected
}

// SetRange takes the range parts the widget reports. Parts may be plain
// dates or zoned strings with a bracketed zone; unparseable parts become
// the current instant.
func (v *ViewState) SetRange(start, end string) recurrence.Span {
	w := recurrence.Span{Start: v.rangePart(start), End: v.rangePart(end)}
	v.set(w, nil)
	return w
}

// SelectDate opens a wide window around d, from midnight 14 days before to
// midnight 61 days after, in the view's zone.
func (v *ViewState) SelectDate(d CalendarDate) recurrence.Span {
	w := recurrence.Span{
		Start: d.AddDays(-selectPastDays).In(v.loc),
		End:   d.AddDays(selectFutureDays).In(v.loc),
	}
	v.set(w, &d)
	return w
}

func (v *ViewState) set(w recurrence.Span, selected *CalendarDate) {
	v.mu.Lock()
	v.window = w
	if selected != nil {
		v.selected = *selected
	}
	cb := v.OnChange
	v.mu.Unlock()

	if cb != nil {
		cb(w)
	}
}

func (v *ViewState) rangePart(s string) time.Time {
	if z, err := ParseZoned(s); err == nil {
		return z.Time
	}
	if d, err := ParseDate(s); err == nil {
		return d.In(v.loc)
	}
	return v.now()
}
