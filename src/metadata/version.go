package metadata

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Version is the engine version written into every metadata file. An even
// minor marks a stable series.
const Version = "0.7.2"

var (
	// ErrIncompatibleVersion is returned when a metadata file was written by
	// an engine this one cannot read
	ErrIncompatibleVersion = errors.New("incompatible database version")

	// ErrMalformedVersion is returned for version strings that do not parse
	// as MAJOR.MINOR.PATCH
	ErrMalformedVersion = errors.New("malformed version string")
)

func parseVersion(s string) (major, minor, patch int, err error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("%w: %q", ErrMalformedVersion, s)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}

// CheckVersion applies the compatibility rules between a file version and
// the runtime version: major and minor must agree; within a stable (even)
// minor the file patch may trail the runtime patch; within a development
// (odd) minor the patches must be identical.
func CheckVersion(fileVersion, runtimeVersion string) error {
	fMajor, fMinor, fPatch, err := parseVersion(fileVersion)
	if err != nil {
		return err
	}
	rMajor, rMinor, rPatch, err := parseVersion(runtimeVersion)
	if err != nil {
		return err
	}

	if fMajor != rMajor || fMinor != rMinor {
		return fmt.Errorf("%w: file %s, runtime %s", ErrIncompatibleVersion, fileVersion, runtimeVersion)
	}
	if fMinor%2 == 0 {
		if fPatch > rPatch {
			return fmt.Errorf("%w: file %s is newer than runtime %s", ErrIncompatibleVersion, fileVersion, runtimeVersion)
		}
	} else if fPatch != rPatch {
		return fmt.Errorf("%w: development series requires exact patch, file %s, runtime %s", ErrIncompatibleVersion, fileVersion, runtimeVersion)
	}
	return nil
}
