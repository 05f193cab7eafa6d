package udisks

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/godbus/dbus/v5"

	"github.com/nace/volmon/internal/authz"
	"github.com/nace/volmon/internal/backend"
)

// Device is a live handle on a UDisks2 block object. Accessors read the
// latest snapshot.
type Device struct {
	pool *Pool
	path dbus.ObjectPath
}

func (d *Device) obj() object {
	obj, _ := d.pool.snapshot(d.path)
	return obj
}

func (d *Device) drive() object {
	obj, _ := d.pool.snapshot(pathProp(d.obj(), ifaceBlock, "Drive"))
	return obj
}

func (d *Device) ObjectPath() string { return string(d.path) }

// DeviceFile prefers the stable symlink udisks reports, e.g.
// /dev/mapper/luks-<uuid> over /dev/dm-0.
func (d *Device) DeviceFile() string {
	obj := d.obj()
	if file := byteStringProp(obj, ifaceBlock, "PreferredDevice"); file != "" {
		return file
	}
	return byteStringProp(obj, ifaceBlock, "Device")
}

func (d *Device) Name() string { return deviceName(d.obj(), d.drive()) }

func (d *Device) Icon() string { return deviceIcon(d.obj(), d.drive()) }

func (d *Device) Label() string { return stringProp(d.obj(), ifaceBlock, "IdLabel") }

func (d *Device) UUID() string { return stringProp(d.obj(), ifaceBlock, "IdUUID") }

func (d *Device) IsEncrypted() bool {
	obj := d.obj()
	return obj.has(ifaceEncrypted) || stringProp(obj, ifaceBlock, "IdUsage") == "crypto"
}

// CleartextObjectPath uses Encrypted.CleartextDevice where the daemon has
// it and otherwise looks for the block whose crypto backing device is d.
func (d *Device) CleartextObjectPath() string {
	if path := pathProp(d.obj(), ifaceEncrypted, "CleartextDevice"); path != "" {
		return string(path)
	}
	d.pool.mu.RLock()
	defer d.pool.mu.RUnlock()
	for path, obj := range d.pool.objects {
		if pathProp(obj, ifaceBlock, "CryptoBackingDevice") == d.path {
			return string(path)
		}
	}
	return ""
}

func (d *Device) CryptoBackingObjectPath() string {
	return string(pathProp(d.obj(), ifaceBlock, "CryptoBackingDevice"))
}

func (d *Device) IsMounted() bool {
	return len(byteStringsProp(d.obj(), ifaceFilesystem, "MountPoints")) > 0
}

func (d *Device) MountPath() string {
	points := byteStringsProp(d.obj(), ifaceFilesystem, "MountPoints")
	if len(points) == 0 {
		return ""
	}
	return points[0]
}

func (d *Device) IsBlankOptical() bool {
	return boolProp(d.drive(), ifaceDrive, "OpticalBlank")
}

func (d *Device) IsPartition() bool { return d.obj().has(ifacePartition) }

func (d *Device) PartitionNumber() int {
	return int(uint64Prop(d.obj(), ifacePartition, "Number"))
}

func (d *Device) DriveObjectPath() string {
	return string(pathProp(d.obj(), ifaceBlock, "Drive"))
}

func (d *Device) busObject() dbus.BusObject {
	return d.pool.conn.Object(busName, d.path)
}

func callOptions(opts backend.CallOptions) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"auth.no_user_interaction": dbus.MakeVariant(!opts.AllowInteraction),
	}
}

// Unlock passes the secret as keyfile contents so it never has to be a
// valid string.
func (d *Device) Unlock(ctx context.Context, secret []byte, opts backend.CallOptions) (string, error) {
	if d.pool.conn == nil {
		return "", backend.Errorf(backend.CodeNotSupported, "no bus connection")
	}
	options := callOptions(opts)
	options["keyfile_contents"] = dbus.MakeVariant(secret)

	var cleartext dbus.ObjectPath
	err := d.busObject().CallWithContext(ctx, ifaceEncrypted+".Unlock", 0, "", options).Store(&cleartext)
	if err != nil {
		return "", convertError(err, authz.ActionUnlock)
	}

	// the reply can overtake our processing of InterfacesAdded
	if !d.pool.waitFor(ctx, func(objects map[dbus.ObjectPath]object) bool {
		obj, ok := objects[cleartext]
		return ok && obj.has(ifaceBlock)
	}) {
		d.pool.logger.Debug("cleartext device not announced yet", "device", d.path, "cleartext", cleartext)
	}
	return string(cleartext), nil
}

func (d *Device) Mount(ctx context.Context, opts backend.CallOptions) (string, error) {
	if d.pool.conn == nil {
		return "", backend.Errorf(backend.CodeNotSupported, "no bus connection")
	}
	var mountPath string
	err := d.busObject().CallWithContext(ctx, ifaceFilesystem+".Mount", 0, callOptions(opts)).Store(&mountPath)
	if err != nil {
		return "", convertError(err, d.mountAction())
	}
	return mountPath, nil
}

// mountAction is the policy action udisks checks for mounting d.
func (d *Device) mountAction() string {
	if boolProp(d.obj(), ifaceBlock, "HintSystem") {
		return authz.ActionMountSystem
	}
	return authz.ActionMount
}

func deviceName(obj, drive object) string {
	if name := stringProp(obj, ifaceBlock, "HintName"); name != "" {
		return name
	}
	if label := stringProp(obj, ifaceBlock, "IdLabel"); label != "" {
		return label
	}
	size := uint64Prop(obj, ifaceBlock, "Size")
	switch {
	case stringProp(obj, ifaceBlock, "IdUsage") == "crypto":
		return fmt.Sprintf("%s Encrypted", humanize.Bytes(size))
	case boolProp(drive, ifaceDrive, "OpticalBlank"):
		return "Blank Disc"
	case size > 0:
		return fmt.Sprintf("%s Volume", humanize.Bytes(size))
	}
	return "Volume"
}

func deviceIcon(obj, drive object) string {
	if icon := stringProp(obj, ifaceBlock, "HintIconName"); icon != "" {
		return icon
	}
	switch {
	case boolProp(drive, ifaceDrive, "Optical"):
		return "media-optical"
	case boolProp(drive, ifaceDrive, "MediaRemovable"), boolProp(drive, ifaceDrive, "Removable"):
		return "drive-removable-media"
	}
	return "drive-harddisk"
}
