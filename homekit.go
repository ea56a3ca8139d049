package wiretemp

import (
	"context"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	hklog "github.com/brutella/hap/log"
	"github.com/pkg/errors"
)

const defaultHomeKitDirectory = "./homekit"
const defaultInstanceName = "wiretemp"
const homeKitBridgeAuthor = "github.com/hubertat"

func (wt *WireTemp) GetHkAccessories(firmwareVersion string) (acc []*accessory.A) {
	wt.lock.RLock()
	defer wt.lock.RUnlock()

	acc = []*accessory.A{}
	for _, dev := range wt.registry.Devices() {
		th, found := wt.thermometers[dev.Index]
		if !found {
			continue
		}
		accessory := th.GetHk()
		if accessory.Info != nil && accessory.Info.FirmwareRevision != nil {
			accessory.Info.FirmwareRevision.SetValue(firmwareVersion)
		}
		accessory.Id = th.GetUniqueId()
		acc = append(acc, accessory)
	}

	return
}

// StartHomeKit serves the discovered thermometers behind a bridge until ctx
// is done. Devices found by a later discovery need a restart to appear.
func (wt *WireTemp) StartHomeKit(ctx context.Context, firmwareVersion string) error {
	bridge := accessory.NewBridge(accessory.Info{
		Name:         wt.instanceName(),
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	var store hap.Store
	if len(wt.HkDirectory) > 1 {
		store = hap.NewFsStore(wt.HkDirectory)
	} else {
		store = hap.NewFsStore(defaultHomeKitDirectory)
	}
	hkServer, err := hap.NewServer(store, bridge.A, wt.GetHkAccessories(firmwareVersion)...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = wt.HkPin
	if len(wt.HkAddress) > 0 {
		hkServer.Addr = wt.HkAddress
	}

	if wt.HkDebug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	return hkServer.ListenAndServe(ctx)
}
