// Package partition splits the row axis of a reconstruction into disjoint
// chunks and assigns them to execution units.
package partition

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrInvalidTarget is returned for execution targets that cannot run work.
var ErrInvalidTarget = errors.New("invalid execution target")

// DeviceKind distinguishes host workers from GPU devices.
type DeviceKind int

const (
	Host DeviceKind = iota
	GPU
)

func (k DeviceKind) String() string {
	switch k {
	case Host:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return fmt.Sprintf("DeviceKind(%d)", int(k))
	}
}

// Device identifies the execution unit owning a chunk. Host chunks carry
// ID -1 until a worker picks them up.
type Device struct {
	Kind DeviceKind
	ID   int
}

// HostDevice is the unassigned host execution unit.
var HostDevice = Device{Kind: Host, ID: -1}

func (d Device) String() string {
	if d.ID < 0 {
		return d.Kind.String()
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.ID)
}

// Target is where chunks run: a CPUPool or a GPUDevices list.
type Target interface {
	// Workers is the number of chunks that may run concurrently.
	Workers() int
	validate() error
}

// CPUPool runs chunks on a bounded pool of host workers. Cores == 0 uses all
// logical CPUs.
type CPUPool struct {
	Cores int
}

// Workers implements Target.
func (p CPUPool) Workers() int {
	if p.Cores == 0 {
		return runtime.NumCPU()
	}
	return p.Cores
}

func (p CPUPool) validate() error {
	if p.Cores < 0 {
		return fmt.Errorf("%w: core count %d", ErrInvalidTarget, p.Cores)
	}
	return nil
}

// GPUDevices runs chunks on the listed GPU device ids, one stream per device.
type GPUDevices struct {
	IDs []int
}

// Workers implements Target.
func (g GPUDevices) Workers() int { return len(g.IDs) }

func (g GPUDevices) validate() error {
	if len(g.IDs) == 0 {
		return fmt.Errorf("%w: empty GPU device list", ErrInvalidTarget)
	}
	seen := make(map[int]bool, len(g.IDs))
	for _, id := range g.IDs {
		if id < 0 {
			return fmt.Errorf("%w: negative GPU device id %d", ErrInvalidTarget, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: GPU device %d listed twice", ErrInvalidTarget, id)
		}
		seen[id] = true
	}
	return nil
}

// ParseTarget maps a device selector ("cpu" or "gpu") to a Target. A GPU
// selector without device ids uses device 0.
func ParseTarget(device string, cores int, gpus []int) (Target, error) {
	var t Target
	switch strings.ToLower(strings.TrimSpace(device)) {
	case "", "cpu", "host":
		t = CPUPool{Cores: cores}
	case "gpu", "cuda", "device":
		ids := append([]int(nil), gpus...)
		if len(ids) == 0 {
			ids = []int{0}
		}
		t = GPUDevices{IDs: ids}
	default:
		return nil, fmt.Errorf("%w: unknown device %q", ErrInvalidTarget, device)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}
