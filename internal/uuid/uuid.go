// Package uuid provides identifier generation for queued actions and devices.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DevicePrefix marks identifiers generated for a device install.
const DevicePrefix = "device_"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4, used as an action id.
func New() string {
	return uuid.New().String()
}

// NewDeviceID generates a stable-looking device id, e.g. device_3f2a9c1e4b7d.
func NewDeviceID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return DevicePrefix + raw[:12]
}

// IsDeviceID reports whether s was produced by NewDeviceID.
func IsDeviceID(s string) bool {
	rest, ok := strings.CutPrefix(s, DevicePrefix)
	return ok && len(rest) == 12
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid action id %q", s)
	}
	return nil
}
