package cryptsetup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// lsblkColumns are the columns requested from lsblk. PARTN is avoided as
// older util-linux releases lack it.
const lsblkColumns = "NAME,KNAME,PATH,TYPE,FSTYPE,LABEL,UUID,MAJ:MIN,RM,HOTPLUG,SIZE,MODEL,VENDOR"

// flexBool accepts the true/false and "0"/"1" spellings of lsblk versions.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true", "1":
		*b = true
	case "false", "0", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// flexSize accepts sizes printed as numbers or strings with --bytes.
type flexSize uint64

func (s *flexSize) UnmarshalJSON(data []byte) error {
	str := strings.Trim(string(data), `"`)
	if str == "" || str == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %s: %w", data, err)
	}
	*s = flexSize(n)
	return nil
}

// lsblkDevice is one node of `lsblk --json` output.
type lsblkDevice struct {
	Name     string        `json:"name"`
	KName    string        `json:"kname"`
	Path     string        `json:"path"`
	Type     string        `json:"type"`
	FSType   string        `json:"fstype"`
	Label    string        `json:"label"`
	UUID     string        `json:"uuid"`
	MajMin   string        `json:"maj:min"`
	RM       flexBool      `json:"rm"`
	Hotplug  flexBool      `json:"hotplug"`
	Size     flexSize      `json:"size"`
	Model    string        `json:"model"`
	Vendor   string        `json:"vendor"`
	Children []lsblkDevice `json:"children"`
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

func parseLsblk(data []byte) ([]lsblkDevice, error) {
	var out lsblkOutput
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}
	return out.BlockDevices, nil
}

// partitionNumber derives the partition number from a kernel name:
// sdb1 is 1, nvme0n1p2 is 2, mmcblk0p1 is 1.
func partitionNumber(kname string) int {
	end := len(kname)
	start := end
	for start > 0 && kname[start-1] >= '0' && kname[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0
	}
	n, err := strconv.Atoi(kname[start:end])
	if err != nil {
		return 0
	}
	return n
}
