package can

// Filter is an acceptance filter in struct can_filter layout: a frame passes
// when CANID&Mask == ID&Mask. Both words carry the EFF flag bit so the
// identifier width takes part in the comparison.
type Filter struct {
	ID   uint32
	Mask uint32
}

// Accepts reports whether fr passes the filter.
func (f Filter) Accepts(fr *Frame) bool {
	return fr.CANID&f.Mask == f.ID&f.Mask
}

// ExactFilter matches one identifier of the given width. Bits cleared in
// mask are don't-care; a zero mask means every identifier bit.
func ExactFilter(id uint32, extended bool, mask uint32) Filter {
	width := uint32(CAN_SFF_MASK)
	if extended {
		width = CAN_EFF_MASK
		id = (id & CAN_EFF_MASK) | CAN_EFF_FLAG
	} else {
		id &= CAN_SFF_MASK
	}
	if mask == 0 {
		mask = width
	}
	return Filter{ID: id, Mask: (mask & width) | CAN_EFF_FLAG | CAN_RTR_FLAG}
}
