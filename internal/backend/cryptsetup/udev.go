package cryptsetup

import (
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/nace/volmon/internal/system"
)

// udevProperties reads the udev database entry of a block device. A
// missing entry yields an empty map.
func (p *Pool) udevProperties(majMin string) map[string]string {
	if majMin == "" {
		return map[string]string{}
	}
	data, err := afero.ReadFile(p.fs, filepath.Join(p.udevDir, "b"+majMin))
	if err != nil {
		p.logger.Trace("no udev entry", "device", majMin, "error", err)
		return map[string]string{}
	}
	return system.ParseUdevProperties(string(data))
}
