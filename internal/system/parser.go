package system

import (
	"bufio"
	"strings"
)

// ParseUdevProperties extracts the E: property lines of a udev database
// entry (/run/udev/data/b<major>:<minor>).
// Format: "E:ID_CDROM_MEDIA_STATE=blank"
func ParseUdevProperties(data string) map[string]string {
	props := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "E:") {
			continue
		}
		key, value, ok := strings.Cut(line[2:], "=")
		if !ok {
			continue
		}
		props[key] = value
	}
	return props
}
