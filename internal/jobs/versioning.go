package jobs

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionTag formats the version label stored in a job's result_metadata.
func VersionTag(n int) string {
	return "v" + strconv.Itoa(n)
}

// ParseVersion reads a tag produced by VersionTag.
func ParseVersion(tag string) (int, error) {
	rest, ok := strings.CutPrefix(tag, "v")
	if !ok {
		return 0, fmt.Errorf("invalid version tag %q", tag)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid version tag %q", tag)
	}
	return n, nil
}
