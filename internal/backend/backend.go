package backend

import (
	"fmt"
	"slices"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/function"
)

// Backend names.
const (
	Ndarray = "ndarray"
	Wgpu    = "wgpu"
	Tch     = "tch"
	Wasm    = "wasm"

	// Auto picks a backend from the function's device class.
	Auto = "auto"
)

// Default is used when no backend is requested.
const Default = Wgpu

// Device constants.
const (
	DeviceCPU = "cpu"
	DeviceGPU = "gpu"
)

// Capabilities describes what a backend supports and how to build for it.
type Capabilities struct {
	Name      string   `json:"name"`
	Devices   []string `json:"devices"`
	Autodiff  bool     `json:"autodiff"`
	BuildTags []string `json:"build_tags"`
}

// SupportsDevice reports whether the backend can run on the given device.
func (c Capabilities) SupportsDevice(device string) bool {
	return slices.Contains(c.Devices, device)
}

// Builtin returns the capabilities of every backend kiln knows how to target.
func Builtin() []Capabilities {
	return []Capabilities{
		{Name: Ndarray, Devices: []string{DeviceCPU}, Autodiff: true, BuildTags: []string{"kiln_ndarray"}},
		{Name: Wgpu, Devices: []string{DeviceGPU}, Autodiff: true, BuildTags: []string{"kiln_wgpu"}},
		{Name: Tch, Devices: []string{DeviceCPU, DeviceGPU}, Autodiff: true, BuildTags: []string{"kiln_tch"}},
		{Name: Wasm, Devices: []string{DeviceCPU}, Autodiff: false, BuildTags: []string{"kiln_wasm"}},
	}
}

// Check reports whether a function with the given procedure and constraints
// can run on the backend. Training always needs autodiff.
func Check(caps Capabilities, procedure function.ProcedureType, c function.Constraints) error {
	if (procedure == function.Training || c.RequiresAutodiff) && !caps.Autodiff {
		return fmt.Errorf("%w: %s has no autodiff support", kiln.ErrUnsupportedBackend, caps.Name)
	}
	switch c.Device {
	case function.CPUOnly:
		if !cpuDefault(caps) {
			return fmt.Errorf("%w: function is cpu-only but %s targets gpu", kiln.ErrUnsupportedBackend, caps.Name)
		}
	case function.GPUOnly:
		if !caps.SupportsDevice(DeviceGPU) {
			return fmt.Errorf("%w: function needs a gpu but %s is cpu-only", kiln.ErrUnsupportedBackend, caps.Name)
		}
	}
	return nil
}

// cpuDefault reports whether the backend runs on the CPU by default. The
// first listed device is the one a generated program initializes.
func cpuDefault(caps Capabilities) bool {
	return len(caps.Devices) > 0 && caps.Devices[0] == DeviceCPU
}
