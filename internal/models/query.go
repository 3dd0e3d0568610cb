package models

// Default pagination values.
const (
	DefaultTake = 10
	MaxTake     = 1000
)

// SearchOptions controls matching and pagination for a find.
// Strict is a pointer so that an unset value can default to true.
type SearchOptions struct {
	Strict    *bool `json:"strict,omitempty"`
	Alternate bool  `json:"alternate,omitempty"`
	Skip      int   `json:"skip,omitempty"`
	Take      int   `json:"take,omitempty"`
}

// Bool returns a pointer to b, for filling SearchOptions.Strict.
func Bool(b bool) *bool {
	return &b
}

// IsStrict reports whether every query keyword must be present; defaults to true.
func (o SearchOptions) IsStrict() bool {
	if o.Strict == nil {
		return true
	}
	return *o.Strict
}

// Normalize returns a copy with defaults applied: strict defaults to true,
// take to DefaultTake (capped at MaxTake), negative skip to zero.
func (o SearchOptions) Normalize() SearchOptions {
	out := o
	out.Strict = Bool(o.IsStrict())
	if out.Take <= 0 {
		out.Take = DefaultTake
	}
	if out.Take > MaxTake {
		out.Take = MaxTake
	}
	if out.Skip < 0 {
		out.Skip = 0
	}
	return out
}

// Window returns the [from, to) bounds of the requested page within a ranked
// list of length total. A page past the end is empty.
func (o SearchOptions) Window(total int) (from, to int) {
	n := o.Normalize()
	if n.Skip > total/n.Take {
		return total, total
	}
	from = n.Skip * n.Take
	if from > total {
		from = total
	}
	to = from + n.Take
	if to > total {
		to = total
	}
	return from, to
}
