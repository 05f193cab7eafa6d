// Package backend defines the storage daemon abstraction volmon drives.
//
// A Pool hands out live Device and Drive handles keyed by object path and
// delivers change notifications for them. Implementations live in the
// udisks, cryptsetup and fake subpackages.
package backend

import (
	"context"
	"time"
)

// CallOptions tune a privileged backend call.
type CallOptions struct {
	// AllowInteraction lets the storage daemon ask the policy service to
	// prompt the user out of band. The mount and unlock engines leave it off
	// on the first attempt and obtain authorization themselves.
	AllowInteraction bool
}

// Device is a block device known to the storage daemon.
type Device interface {
	ObjectPath() string
	DeviceFile() string

	// Name and Icon are the display attributes derived by the backend.
	Name() string
	Icon() string

	Label() string
	UUID() string

	// IsEncrypted reports whether the device holds a LUKS container.
	IsEncrypted() bool
	// CleartextObjectPath returns the object path of the unlocked cleartext
	// device, or "" if the device is locked or not encrypted.
	CleartextObjectPath() string
	// CryptoBackingObjectPath returns the encrypted device a cleartext
	// device was unlocked from, or "" for any other device.
	CryptoBackingObjectPath() string

	IsMounted() bool
	MountPath() string
	IsBlankOptical() bool

	IsPartition() bool
	PartitionNumber() int

	// DriveObjectPath returns the object path of the owning drive, or "".
	DriveObjectPath() string

	// Unlock opens the LUKS container with secret and returns the object
	// path of the cleartext device.
	Unlock(ctx context.Context, secret []byte, opts CallOptions) (string, error)
	// Mount mounts the filesystem on the device and returns the mount path.
	Mount(ctx context.Context, opts CallOptions) (string, error)
}

// Drive is the physical drive or media a device lives on.
type Drive interface {
	ObjectPath() string
	Name() string
	CanEject() bool
	Eject(ctx context.Context) error
	// LastMediaInsertion is the time media was last detected in the drive.
	LastMediaInsertion() time.Time
	// IsAudioDisc reports whether the drive holds an audio CD without data
	// tracks.
	IsAudioDisc() bool
}

// Pool resolves object paths and distributes events.
type Pool interface {
	Device(objectPath string) (Device, bool)
	Drive(objectPath string) (Drive, bool)
	// Devices returns every known device in a stable order.
	Devices() []Device

	// Subscribe registers fn for events concerning objectPath.
	Subscribe(objectPath string, fn func(Event)) Subscription
	// SubscribeAll registers fn for every event, including EventAdded.
	SubscribeAll(fn func(Event)) Subscription

	Close() error
}
