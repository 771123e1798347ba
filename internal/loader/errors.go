package loader

import "errors"

// Common errors.
var (
	ErrInvalidFormat    = errors.New("invalid file format")
	ErrTensorNotFound   = errors.New("tensor not found")
	ErrUnsupportedDType = errors.New("unsupported dtype")
	ErrFortranOrder     = errors.New("fortran-ordered arrays are not supported")
	ErrBadMeanShape     = errors.New("mean must have shape [C] or [C,H,W]")
)
