package protocol

// Ordering describes how two version vectors relate causally.
type Ordering int

const (
	// OrderingEqual means both vectors saw exactly the same updates.
	OrderingEqual Ordering = iota
	// OrderingBefore means the receiver happened before the argument.
	OrderingBefore
	// OrderingAfter means the receiver happened after the argument.
	OrderingAfter
	// OrderingConcurrent means neither vector saw all updates of the other.
	OrderingConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderingEqual:
		return "equal"
	case OrderingBefore:
		return "before"
	case OrderingAfter:
		return "after"
	default:
		return "concurrent"
	}
}

// VersionVector maps a device id to the number of accepted edits that device made to an item.
type VersionVector map[string]uint64

// Clone returns an independent copy.
func (v VersionVector) Clone() VersionVector {
	clone := make(VersionVector, len(v))
	for device, counter := range v {
		clone[device] = counter
	}
	return clone
}

// Increment returns a copy with the counter of deviceID advanced by one.
func (v VersionVector) Increment(deviceID string) VersionVector {
	next := v.Clone()
	next[deviceID]++
	return next
}

// Merge returns the element-wise maximum of both vectors.
func (v VersionVector) Merge(other VersionVector) VersionVector {
	merged := v.Clone()
	for device, counter := range other {
		if counter > merged[device] {
			merged[device] = counter
		}
	}
	return merged
}

// IsZero reports whether the vector carries no history.
func (v VersionVector) IsZero() bool {
	for _, counter := range v {
		if counter > 0 {
			return false
		}
	}
	return true
}

// Compare reports the causal relation of v to other.
func (v VersionVector) Compare(other VersionVector) Ordering {
	less, greater := false, false
	for device, counter := range v {
		theirs := other[device]
		if counter > theirs {
			greater = true
		} else if counter < theirs {
			less = true
		}
	}
	for device, counter := range other {
		if _, seen := v[device]; !seen && counter > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return OrderingConcurrent
	case less:
		return OrderingBefore
	case greater:
		return OrderingAfter
	default:
		return OrderingEqual
	}
}
