package storage

import (
	"fmt"
	"path"
	"regexp"
)

var keyComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ExportKey is the object key of one exported result window: exports/<query id>/window-<offset>.parquet.
func ExportKey(queryID string, offset int64) (string, error) {
	if !keyComponentPattern.MatchString(queryID) {
		return "", fmt.Errorf("invalid query id: %q", queryID)
	}
	if offset < 0 {
		return "", fmt.Errorf("window offset must be >= 0")
	}
	return path.Join("exports", queryID, fmt.Sprintf("window-%d.parquet", offset)), nil
}
