package cmd

import (
	"fmt"
	"regexp"
)

// validUnitName admits unit names, instance names with escapes and the
// glob characters accepted as patterns.
var validUnitName = regexp.MustCompile(`^[a-zA-Z0-9._@:\\*?\[\]-]+$`)

// validateUnitName rejects names that cannot name a unit file.
func validateUnitName(name string) error {
	if name == "" {
		return fmt.Errorf("unit name cannot be empty")
	}
	if len(name) > 256 {
		return fmt.Errorf("unit name too long")
	}
	if !validUnitName.MatchString(name) {
		return fmt.Errorf("invalid unit name %q: contains unsafe characters", name)
	}
	return nil
}

func validateUnitNames(names []string) error {
	for _, name := range names {
		if err := validateUnitName(name); err != nil {
			return err
		}
	}
	return nil
}
