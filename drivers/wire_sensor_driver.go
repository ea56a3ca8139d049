package drivers

import (
	"bufio"
	"context"
	"encoding/hex"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/hubertat/wiretemp/onewire"
	"github.com/pkg/errors"
)

const wireSystemPath string = "/sys/bus/w1/devices"
const wireDefaultMaster string = "w1_bus_master1"

const wireSensorDriverName string = "wire"

// Wire uses the Linux w1 subsystem (w1-gpio + w1_therm modules). The kernel
// owns the bus timing and search; this driver maps the sensor operations onto
// the sysfs attributes.
type Wire struct {
	SystemPath string
	Master     string

	ready bool
}

func (w1 *Wire) root() string {
	if len(w1.SystemPath) > 0 {
		return w1.SystemPath
	}
	return wireSystemPath
}

func (w1 *Wire) masterPath(file string) string {
	master := w1.Master
	if len(master) == 0 {
		master = wireDefaultMaster
	}
	return path.Join(w1.root(), master, file)
}

func (w1 *Wire) slavePath(addr onewire.Address, file string) string {
	return path.Join(w1.root(), addr.SysfsName(), file)
}

func readTrimmed(filePath string) (string, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func readInt(filePath string) (int, error) {
	content, err := readTrimmed(filePath)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(content)
	if err != nil {
		return 0, errors.Wrapf(err, "failed converting %q from %s to int", content, filePath)
	}
	return value, nil
}

func (w1 *Wire) Setup(ctx context.Context) (err error) {
	_, err = os.ReadDir(w1.root())
	if err != nil {
		err = errors.Wrapf(err, "failed to init Wire sensor driver: error reading dir (%s):", w1.root())
		return
	}

	_, err = os.Stat(w1.masterPath("w1_master_slaves"))
	if err != nil {
		err = errors.Wrapf(err, "failed to init wire sensor driver, bus master %s not found", w1.masterPath(""))
		return
	}

	w1.ready = true
	return
}

func (w1 *Wire) Close() error {
	w1.ready = false
	return nil
}

func (w1 *Wire) IsReady() bool {
	return w1.ready
}

func (w1 *Wire) Name() string {
	return wireSensorDriverName
}

func (w1 *Wire) DeviceCount() (int, error) {
	count, err := readInt(w1.masterPath("w1_master_slave_count"))
	return count, errors.Wrap(err, "failed reading slave count")
}

// Presence has no reset pulse to send through sysfs; the kernel keeps the
// list of devices that answered its last search.
func (w1 *Wire) Presence() (bool, error) {
	count, err := w1.DeviceCount()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type wireSearch struct {
	names []string
	err   error
}

func (ws *wireSearch) Next() (onewire.Address, error) {
	if ws.err != nil {
		err := ws.err
		ws.err = nil
		return onewire.Address{}, err
	}
	for len(ws.names) > 0 {
		name := ws.names[0]
		ws.names = ws.names[1:]

		addr, err := onewire.ParseAddress(name)
		if err != nil {
			log.Warn("skipping unparseable w1 slave", "name", name, "err", err)
			continue
		}
		return addr, nil
	}
	return onewire.Address{}, onewire.ErrSearchDone
}

func (w1 *Wire) NewSearch() Searcher {
	search := &wireSearch{}

	file, err := os.Open(w1.masterPath("w1_master_slaves"))
	if err != nil {
		search.err = errors.Wrap(err, "failed to list w1 slaves")
		return search
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if len(name) == 0 || name == "not found." {
			continue
		}
		search.names = append(search.names, name)
	}
	if err = scanner.Err(); err != nil {
		search.err = errors.Wrap(err, "failed to read w1 slave list")
		search.names = nil
	}
	return search
}

func (w1 *Wire) Verify(addr onewire.Address) (bool, error) {
	_, err := os.Stat(w1.slavePath(addr, "w1_slave"))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// ParasitePower reads ext_power of every listed thermometer, 0 means the
// device runs on parasite power.
func (w1 *Wire) ParasitePower() (bool, error) {
	search := w1.NewSearch()
	for {
		addr, err := search.Next()
		if errors.Is(err, onewire.ErrSearchDone) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !IsThermometer(addr.Family()) {
			continue
		}
		external, err := readInt(w1.slavePath(addr, "ext_power"))
		if err != nil {
			return false, errors.Wrapf(err, "failed reading power mode of %s", addr)
		}
		if external == 0 {
			return true, nil
		}
	}
}

func (w1 *Wire) SetResolution(addr onewire.Address, bits int) error {
	if !ValidResolution(bits) {
		return errors.Wrapf(ErrInvalidResolution, "got %d", bits)
	}
	err := os.WriteFile(w1.slavePath(addr, "resolution"), []byte(strconv.Itoa(bits)), 0644)
	return errors.Wrapf(err, "failed writing resolution of %s", addr)
}

func (w1 *Wire) Resolution(addr onewire.Address) (int, error) {
	bits, err := readInt(w1.slavePath(addr, "resolution"))
	return bits, errors.Wrapf(err, "failed reading resolution of %s", addr)
}

func (w1 *Wire) SaveScratchpad(addr onewire.Address) error {
	err := os.WriteFile(w1.slavePath(addr, "eeprom_cmd"), []byte("save"), 0644)
	return errors.Wrapf(err, "failed saving eeprom of %s", addr)
}

// RequestConversions uses the bulk read attribute of the bus master: one
// Skip ROM + Convert T for every device.
func (w1 *Wire) RequestConversions() error {
	err := os.WriteFile(w1.masterPath("therm_bulk_read"), []byte("trigger"), 0644)
	return errors.Wrap(err, "failed to trigger bulk conversion")
}

func (w1 *Wire) ConversionComplete() (bool, error) {
	state, err := readInt(w1.masterPath("therm_bulk_read"))
	if err != nil {
		return false, errors.Wrap(err, "failed reading bulk conversion state")
	}
	return state != -1, nil
}

// ReadScratchpad parses the dump the kernel prints in w1_slave, e.g.
// "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES". After a bulk conversion the
// kernel reads the scratchpad without converting again.
func (w1 *Wire) ReadScratchpad(addr onewire.Address) (sp Scratchpad, err error) {
	content, err := readTrimmed(w1.slavePath(addr, "w1_slave"))
	if err != nil {
		err = errors.Wrapf(err, "failed reading w1_slave of %s", addr)
		return
	}
	return parseScratchpadDump(content)
}

func parseScratchpadDump(content string) (sp Scratchpad, err error) {
	firstLine, _, _ := strings.Cut(content, "\n")
	dump, _, found := strings.Cut(firstLine, ":")
	if !found {
		err = errors.Errorf("unexpected w1_slave content: %q", firstLine)
		return
	}
	raw, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(dump), " ", ""))
	if err != nil {
		err = errors.Wrapf(err, "failed decoding scratchpad dump %q", dump)
		return
	}
	if len(raw) != len(sp) {
		err = errors.Errorf("scratchpad dump has %d bytes, want %d", len(raw), len(sp))
		return
	}
	copy(sp[:], raw)
	return
}
