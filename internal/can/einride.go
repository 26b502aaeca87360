package can

import (
	"errors"
	"fmt"

	ecan "go.einride.tech/can"
)

var (
	// ErrNotClassic is returned when an FD frame is converted to a classic-only representation.
	ErrNotClassic = errors.New("can: frame is not a classic frame")
	// ErrRejected marks driver errors for frames that can never be sent;
	// the engine discards such a frame instead of retrying it.
	ErrRejected = errors.New("can: frame rejected")
	// ErrBusDown is returned by drivers whose link is gone for good.
	ErrBusDown = fmt.Errorf("can: bus down: %w", ErrRejected)
)

// ToEinride converts a classic frame to the einride representation.
func (f Frame) ToEinride() (ecan.Frame, error) {
	if f.FD() || f.Len > MaxClassicLen {
		return ecan.Frame{}, ErrNotClassic
	}
	e := ecan.Frame{
		ID:         f.ID(),
		Length:     f.Len,
		IsExtended: f.Extended(),
		IsRemote:   f.CANID&CAN_RTR_FLAG != 0,
	}
	copy(e.Data[:], f.Data[:f.Len])
	return e, nil
}

// FromEinride converts an einride frame into a Frame.
func FromEinride(e ecan.Frame) Frame {
	f := NewFrame(e.ID, e.IsExtended, e.Data[:e.Length])
	if e.IsRemote {
		f.CANID |= CAN_RTR_FLAG
	}
	return f
}

// Validate checks identifier range and length. Classic frames are checked by
// einride's validator; FD frames against the FD length table.
func (f Frame) Validate() error {
	if !f.FD() {
		e, err := f.ToEinride()
		if err != nil {
			return err
		}
		return e.Validate()
	}
	if !ValidLen(f.Len, true) {
		return errors.New("can: invalid FD length")
	}
	return nil
}
