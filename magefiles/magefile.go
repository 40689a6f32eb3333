//go:build mage

package main

import (
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default target to run when none is specified.
var Default = Build

var binary = filepath.Join("bin", "bindpack")

// Build compiles the bindpack binary into bin/.
func Build() error {
	return sh.RunV("go", "build", "-trimpath", "-o", binary, "./cmd/bindpack")
}

// Test runs the unit tests with the race detector. The registry and ledger
// use mattn/go-sqlite3, so cgo must be enabled.
func Test() error {
	return sh.RunWithV(map[string]string{"CGO_ENABLED": "1"}, "go", "test", "-race", "./...")
}

// Golden regenerates the golden files under testdata/golden.
func Golden() error {
	return sh.RunV("go", "test", ".", "-run", "TestSliceContainerRoundTrip|TestAssembleResourceTree", "-update")
}

// Vet runs go vet.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Check runs vet and the tests.
func Check() {
	mg.SerialDeps(Vet, Test)
}

// Clean removes build output.
func Clean() error {
	return sh.Rm("bin")
}
