package tensor

// ToSinogramOrder returns t arranged as a stack of sinograms.
//
// Accepted layouts:
//
//	(THETA, Y, X)          -> (Y, THETA, X)
//	(THETA, DEFOCUS, Y, X) -> (Y, DEFOCUS, THETA, X)
//
// When sinogramOrder is true t is already a stack of sinograms and is returned
// unchanged. Otherwise axis 0 and axis -2 are exchanged as a view over the
// same buffer. Applying the function again to the result with
// sinogramOrder=false restores the original layout.
func ToSinogramOrder(t *Tensor, sinogramOrder bool) (*Tensor, error) {
	if t == nil {
		return nil, NewShapeError("sinogram order", "nil tensor")
	}
	if r := t.Rank(); r != 3 && r != 4 {
		return nil, NewShapeError("sinogram order", "expected rank 3 or 4, got rank %d with shape %v", r, t.shape)
	}
	if sinogramOrder {
		return t, nil
	}
	return t.SwapAxes(0, -2), nil
}
