package vm

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Validation sentinels.
var (
	ErrInvalidName  = errors.New("vmledger: invalid vm name")
	ErrInvalidImage = errors.New("vmledger: invalid image")
)

// MaxNameLength bounds VM names.
const MaxNameLength = 100

// DefaultImage is used when a VM is created without an image.
const DefaultImage = "ubuntu-22.04"

var (
	namePattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	reservedNames = []string{"admin", "root", "system", "api", "www"}
	images        = []string{"ubuntu-22.04", "ubuntu-20.04", "centos-8", "debian-11", "fedora-38"}
)

// ValidateName checks a VM name: 1-100 characters of letters, digits,
// hyphens and underscores, and not a reserved word.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, MaxNameLength)
	case !namePattern.MatchString(name):
		return fmt.Errorf("%w: %q may only contain letters, numbers, hyphens, and underscores", ErrInvalidName, name)
	case slices.Contains(reservedNames, strings.ToLower(name)):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

// ValidateImage checks that image is offered.
func ValidateImage(image string) error {
	if !slices.Contains(images, image) {
		return fmt.Errorf("%w: %q", ErrInvalidImage, image)
	}
	return nil
}

// Images lists the offered images.
func Images() []string {
	return slices.Clone(images)
}
