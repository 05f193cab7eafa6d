package cryptsetup

import (
	"path/filepath"
	"regexp"
	"strings"
)

var mapperInvalid = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// mapperName returns the dm-crypt mapping name for a LUKS device:
// luks-<uuid> when the header has a UUID, else one derived from the device
// file.
//   - /dev/sdb1 → luks-sdb1
//   - /dev/loop0 → luks-loop0
func mapperName(uuid, deviceFile string) string {
	if uuid != "" {
		return "luks-" + mapperInvalid.ReplaceAllString(uuid, "")
	}
	base := filepath.Base(deviceFile)
	base = strings.ReplaceAll(base, ".", "_")
	return "luks-" + mapperInvalid.ReplaceAllString(base, "")
}

// mountDirName picks the directory under the mount root, like udisks does:
// the label, else the UUID, else the kernel name.
func mountDirName(label, uuid, kname string) string {
	for _, candidate := range []string{label, uuid, kname} {
		name := strings.ReplaceAll(candidate, "/", "_")
		name = strings.TrimSpace(name)
		if name != "" && name != "." && name != ".." {
			return name
		}
	}
	return "disk"
}
