package config

import (
	"fmt"

	units "github.com/docker/go-units"
)

// ParseStorageTiers resolves each tier's human-readable size budgets
// ("10GB", "500MB") into bytes in place, using the same units package
// the teacher's Docker-adjacent tooling depends on for byte-size
// parsing.
func ParseStorageTiers(tiers []StorageTierConfig) error {
	for i := range tiers {
		t := &tiers[i]

		if t.MaxBytesHuman != "" {
			v, err := units.FromHumanSize(t.MaxBytesHuman)
			if err != nil {
				return fmt.Errorf("storage tier %q: invalid max_size: %w", t.Path, err)
			}
			t.MaxBytes = v
		}
		if t.MinBytesHuman != "" {
			v, err := units.FromHumanSize(t.MinBytesHuman)
			if err != nil {
				return fmt.Errorf("storage tier %q: invalid min_size: %w", t.Path, err)
			}
			t.MinBytes = v
		}
	}
	return nil
}
