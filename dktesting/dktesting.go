// Package dktesting runs driver tests against throwaway Docker containers.
package dktesting

import (
	"testing"

	"github.com/dhui/dktest"
)

// ContainerSpec pairs a Docker image with the dktest options needed to
// bring it up for a test run.
type ContainerSpec struct {
	ImageName string
	Options   dktest.Options
}

// ParallelTest runs testFunc once per spec, each against its own container.
// In short mode only the first spec runs.
func ParallelTest(t *testing.T, specs []ContainerSpec,
	testFunc func(*testing.T, dktest.ContainerInfo)) {

	for i, spec := range specs {
		spec := spec

		if i > 0 && testing.Short() {
			t.Logf("Skipping %v in short mode", spec.ImageName)
			continue
		}

		t.Run(spec.ImageName, func(t *testing.T) {
			t.Parallel()
			dktest.Run(t, spec.ImageName, spec.Options, testFunc)
		})
	}
}
