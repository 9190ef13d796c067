package reconstruction

import (
	"fmt"

	"tiltrecon/pkg/partition"
)

// KernelError reports a failed back-projection of one chunk. The rows of the
// chunk keep whatever the reconstruction held before dispatch.
type KernelError struct {
	Start  int
	End    int
	Device partition.Device
	Err    error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("kernel failed for rows [%d, %d) on %s: %v", e.Start, e.End, e.Device, e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }
