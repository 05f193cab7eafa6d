package udisks

import (
	"context"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nace/volmon/internal/authz"
	"github.com/nace/volmon/internal/backend"
)

// Drive is a live handle on a UDisks2 drive object.
type Drive struct {
	pool *Pool
	path dbus.ObjectPath
}

func (d *Drive) obj() object {
	obj, _ := d.pool.snapshot(d.path)
	return obj
}

func (d *Drive) ObjectPath() string { return string(d.path) }

// Name is "<vendor> <model>", or "Drive" when the daemon knows neither.
func (d *Drive) Name() string {
	obj := d.obj()
	name := strings.TrimSpace(stringProp(obj, ifaceDrive, "Vendor") + " " + stringProp(obj, ifaceDrive, "Model"))
	if name == "" {
		return "Drive"
	}
	return name
}

func (d *Drive) CanEject() bool { return boolProp(d.obj(), ifaceDrive, "Ejectable") }

func (d *Drive) Eject(ctx context.Context) error {
	if d.pool.conn == nil {
		return backend.Errorf(backend.CodeNotSupported, "no bus connection")
	}
	err := d.pool.conn.Object(busName, d.path).
		CallWithContext(ctx, ifaceDrive+".Eject", 0, callOptions(backend.CallOptions{AllowInteraction: true})).Err
	return convertError(err, authz.ActionEject)
}

// LastMediaInsertion converts TimeMediaDetected, in microseconds since the
// epoch.
func (d *Drive) LastMediaInsertion() time.Time {
	usec := uint64Prop(d.obj(), ifaceDrive, "TimeMediaDetected")
	if usec == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(usec))
}

func (d *Drive) IsAudioDisc() bool {
	obj := d.obj()
	return uint64Prop(obj, ifaceDrive, "OpticalNumAudioTracks") > 0 &&
		uint64Prop(obj, ifaceDrive, "OpticalNumDataTracks") == 0
}
