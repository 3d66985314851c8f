package conv

import (
	"errors"
	"fmt"
)

// ErrShape is returned for inputs whose shapes the convolution cannot
// accept: mismatched ranks or channels, non-positive inferred dims and
// bias or residual tensors that do not broadcast to the output.
var ErrShape = errors.New("conv: invalid shape")

func shapeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShape, fmt.Sprintf(format, args...))
}

// libraryError wraps a dnn library failure with the step that made the call.
func libraryError(step string, err error) error {
	return fmt.Errorf("conv %s: %w", step, err)
}
