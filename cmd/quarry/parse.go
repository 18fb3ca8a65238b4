package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/quarry/pkg/types"
)

// parseSwapPairs parses "A:B" arguments into IndexSwapPair values.
func parseSwapPairs(args []string) ([]types.IndexSwapPair, error) {
	pairs := make([]types.IndexSwapPair, 0, len(args))
	for _, arg := range args {
		parts := strings.SplitN(arg, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid swap pair %q, expected A:B", arg)
		}
		pairs = append(pairs, types.IndexSwapPair{Indexes: [2]string{parts[0], parts[1]}})
	}
	return pairs, nil
}

// loadPatchDocument reads path and decodes it as a settings patch.
// YAML is accepted alongside JSON since YAML is a superset of JSON: an
// operator can hand-author a patch file in whichever is more convenient and
// this reads either one identically.
func loadPatchDocument(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading patch file: %w", err)
	}
	var patch map[string]any
	if err := yaml.Unmarshal(raw, &patch); err != nil {
		return nil, fmt.Errorf("decoding patch file: %w", err)
	}
	return patch, nil
}
