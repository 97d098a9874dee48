// Package device decides, once per process, where the numeric work runs.
package device

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Device is the static placement for a run.
type Device struct {
	Name        string
	Accelerated bool
	// Workers is the number of goroutines a matrix product may use.
	Workers  int
	Features []string
}

func (d Device) String() string {
	mode := "serial"
	if d.Accelerated {
		mode = fmt.Sprintf("parallel x%d", d.Workers)
	}
	return fmt.Sprintf("%s (%s)", d.Name, mode)
}

// Detect inspects the CPU. With disableAccel, or on a single core, all work
// stays on the calling goroutine.
func Detect(disableAccel bool) Device {
	return detect(cpuid.CPU, disableAccel)
}

func detect(info cpuid.CPUInfo, disableAccel bool) Device {
	name := info.BrandName
	if name == "" {
		name = runtime.GOARCH
	}
	workers := info.LogicalCores
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	d := Device{Name: name, Workers: 1, Features: info.FeatureSet()}
	if !disableAccel && workers > 1 {
		d.Accelerated = true
		d.Workers = workers
	}
	return d
}

// HasSIMD reports whether the CPU has the wide vector units gonum's assembly
// kernels use.
func (d Device) HasSIMD() bool {
	for _, f := range d.Features {
		if f == "AVX2" || f == "ASIMD" {
			return true
		}
	}
	return false
}
