package filter

// Debounce is a saturating error counter. Each Error adds errStep to the
// counter; each OK subtracts one. The condition trips once the counter
// reaches limit. In sticky mode a tripped counter stays tripped until Reset.
type Debounce struct {
	count   uint16
	errStep uint16
	limit   uint16
	sticky  bool
	tripped bool
}

// NewDebounce builds a counter that trips after limit accumulated error
// weight, stepping by errStep per error. limit of 0 trips on the first error.
func NewDebounce(errStep, limit uint16, sticky bool) *Debounce {
	if errStep < 1 {
		errStep = 1
	}
	return &Debounce{errStep: errStep, limit: limit, sticky: sticky}
}

// Error records one error observation and reports whether the counter is
// tripped afterwards.
func (d *Debounce) Error() bool {
	if d.count > 0xFFFF-d.errStep {
		d.count = 0xFFFF
	} else {
		d.count += d.errStep
	}
	if d.count >= d.limit {
		d.tripped = true
	}
	return d.tripped
}

// Trip forces the counter into the tripped state immediately.
func (d *Debounce) Trip() {
	d.count = 0xFFFF
	d.tripped = true
}

// OK records one good observation and reports whether the counter is still
// tripped. Sticky counters never recover through OK.
func (d *Debounce) OK() bool {
	if d.count > 0 {
		d.count--
	}
	if !d.sticky && d.count < d.limit {
		d.tripped = false
	}
	return d.tripped
}

// IsOK reports whether the counter is not tripped.
func (d *Debounce) IsOK() bool {
	return !d.tripped
}

// Count returns the current error weight.
func (d *Debounce) Count() uint16 {
	return d.count
}

// Reset clears the counter and the tripped state.
func (d *Debounce) Reset() {
	d.count = 0
	d.tripped = false
}
