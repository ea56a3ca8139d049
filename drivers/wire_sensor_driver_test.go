package drivers

import (
	"context"
	"errors"
	"os"
	"path"
	"strconv"
	"strings"
	"testing"

	"github.com/hubertat/wiretemp/onewire"
)

func writeFile(t *testing.T, filePath, content string) {
	t.Helper()

	if err := os.MkdirAll(path.Dir(filePath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func fakeSysfs(t *testing.T, slaves ...string) (*Wire, string) {
	t.Helper()

	root := t.TempDir()
	master := path.Join(root, wireDefaultMaster)
	list := strings.Join(slaves, "\n") + "\n"
	if len(slaves) == 0 {
		list = "not found.\n"
	}
	writeFile(t, path.Join(master, "w1_master_slaves"), list)
	writeFile(t, path.Join(master, "w1_master_slave_count"), strconv.Itoa(len(slaves))+"\n")
	writeFile(t, path.Join(master, "therm_bulk_read"), "0\n")

	for _, slave := range slaves {
		writeFile(t, path.Join(root, slave, "w1_slave"), "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=23125\n")
		writeFile(t, path.Join(root, slave, "resolution"), "12\n")
		writeFile(t, path.Join(root, slave, "ext_power"), "1\n")
	}

	return &Wire{SystemPath: root}, root
}

func TestWireSetup(t *testing.T) {
	w1 := &Wire{SystemPath: path.Join(t.TempDir(), "missing")}
	if err := w1.Setup(context.Background()); err == nil {
		t.Error("expected error for missing sysfs tree")
	}

	w1, _ = fakeSysfs(t, "28-0316a279b6ff")
	if err := w1.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if !w1.IsReady() {
		t.Error("wire driver not ready after setup")
	}

	w1.Master = "w1_bus_master7"
	if err := w1.Setup(context.Background()); err == nil {
		t.Error("expected error for missing bus master")
	}
}

func TestWireSetupNamesDefaultMaster(t *testing.T) {
	w1 := &Wire{SystemPath: t.TempDir()}

	err := w1.Setup(context.Background())
	if err == nil {
		t.Fatal("expected error for missing bus master")
	}
	if !strings.Contains(err.Error(), wireDefaultMaster) {
		t.Errorf("error should name the default master %s: %v", wireDefaultMaster, err)
	}
	if w1.IsReady() {
		t.Error("driver ready without a bus master")
	}
}

func TestWireSearch(t *testing.T) {
	w1, _ := fakeSysfs(t, "28-0316a279b6ff", "10-000801234567", "garbage")

	var found []onewire.Address
	search := w1.NewSearch()
	for {
		addr, err := search.Next()
		if errors.Is(err, onewire.ErrSearchDone) {
			break
		}
		if err != nil {
			t.Fatalf("search returned error: %v", err)
		}
		found = append(found, addr)
	}

	if len(found) != 2 {
		t.Fatalf("found %d devices want 2", len(found))
	}
	if found[0] != onewire.NewAddress(FamilyDS18B20, 0x0316a279b6ff) {
		t.Errorf("got %s", found[0])
	}
	if !found[1].Valid() || found[1].Family() != FamilyDS18S20 {
		t.Errorf("got %s", found[1])
	}

	count, err := w1.DeviceCount()
	if err != nil {
		t.Fatalf("DeviceCount returned error: %v", err)
	}
	assertInts(t, count, 3)
}

func TestWireEmptyBus(t *testing.T) {
	w1, _ := fakeSysfs(t)

	present, err := w1.Presence()
	if err != nil {
		t.Fatalf("Presence returned error: %v", err)
	}
	if present {
		t.Error("empty bus reported presence")
	}

	_, err = w1.NewSearch().Next()
	if !errors.Is(err, onewire.ErrSearchDone) {
		t.Errorf("got %v want ErrSearchDone", err)
	}
}

func TestWireSensorOperations(t *testing.T) {
	w1, root := fakeSysfs(t, "28-0316a279b6ff")
	addr := onewire.NewAddress(FamilyDS18B20, 0x0316a279b6ff)

	if err := w1.SetResolution(addr, 10); err != nil {
		t.Fatalf("SetResolution returned error: %v", err)
	}
	bits, err := w1.Resolution(addr)
	if err != nil {
		t.Fatalf("Resolution returned error: %v", err)
	}
	assertInts(t, bits, 10)
	if err = w1.SetResolution(addr, 14); !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("got %v want ErrInvalidResolution", err)
	}

	parasite, err := w1.ParasitePower()
	if err != nil || parasite {
		t.Errorf("ParasitePower got %v, %v", parasite, err)
	}
	writeFile(t, path.Join(root, "28-0316a279b6ff", "ext_power"), "0\n")
	parasite, _ = w1.ParasitePower()
	if !parasite {
		t.Error("parasite power not detected")
	}

	if err = w1.RequestConversions(); err != nil {
		t.Fatalf("RequestConversions returned error: %v", err)
	}
	content, _ := os.ReadFile(path.Join(root, wireDefaultMaster, "therm_bulk_read"))
	if string(content) != "trigger" {
		t.Errorf("therm_bulk_read got %q", content)
	}

	writeFile(t, path.Join(root, wireDefaultMaster, "therm_bulk_read"), "-1\n")
	done, _ := w1.ConversionComplete()
	if done {
		t.Error("conversion reported complete while in progress")
	}
	writeFile(t, path.Join(root, wireDefaultMaster, "therm_bulk_read"), "1\n")
	done, _ = w1.ConversionComplete()
	if !done {
		t.Error("conversion not reported complete")
	}

	sp, err := w1.ReadScratchpad(addr)
	if err != nil {
		t.Fatalf("ReadScratchpad returned error: %v", err)
	}
	if !sp.Valid() {
		t.Errorf("scratchpad %X not valid", sp)
	}
	value, _ := sp.Sixteenths(FamilyDS18B20)
	if value != 0x0172 {
		t.Errorf("got %d want %d", value, 0x0172)
	}

	ok, err := w1.Verify(addr)
	if err != nil || !ok {
		t.Errorf("Verify got %v, %v", ok, err)
	}
	ok, err = w1.Verify(onewire.NewAddress(FamilyDS18B20, 0x01))
	if err != nil || ok {
		t.Errorf("Verify of missing device got %v, %v", ok, err)
	}

	if err = w1.SaveScratchpad(addr); err != nil {
		t.Fatalf("SaveScratchpad returned error: %v", err)
	}
}

func TestParseScratchpadDump(t *testing.T) {
	for _, bad := range []string{"", "no separator", "72 01 zz : crc=57 YES", "72 01 : crc=57 YES"} {
		if _, err := parseScratchpadDump(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
