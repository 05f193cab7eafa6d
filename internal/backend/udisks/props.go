package udisks

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

func stringProp(obj object, iface, name string) string {
	v, ok := obj.get(iface, name)
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func boolProp(obj object, iface, name string) bool {
	v, ok := obj.get(iface, name)
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func uint64Prop(obj object, iface, name string) uint64 {
	v, ok := obj.get(iface, name)
	if !ok {
		return 0
	}
	switch n := v.Value().(type) {
	case uint64:
		return n
	case uint32:
		return uint64(n)
	case int64:
		if n > 0 {
			return uint64(n)
		}
	case int32:
		if n > 0 {
			return uint64(n)
		}
	}
	return 0
}

// pathProp returns an object path property; "/" means unset and maps to
// "".
func pathProp(obj object, iface, name string) dbus.ObjectPath {
	v, ok := obj.get(iface, name)
	if !ok {
		return ""
	}
	p, _ := v.Value().(dbus.ObjectPath)
	if p == "/" {
		return ""
	}
	return p
}

// byteString decodes a NUL-terminated ay property.
func byteString(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

func byteStringProp(obj object, iface, name string) string {
	v, ok := obj.get(iface, name)
	if !ok {
		return ""
	}
	b, _ := v.Value().([]byte)
	return byteString(b)
}

func byteStringsProp(obj object, iface, name string) []string {
	v, ok := obj.get(iface, name)
	if !ok {
		return nil
	}
	raw, _ := v.Value().([][]byte)
	out := make([]string, 0, len(raw))
	for _, b := range raw {
		if s := byteString(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}
