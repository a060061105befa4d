package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

const (
	DefaultChunkSize       = 20
	DefaultProtocolVersion = 1
)

// Device is a simulated datalogger. It answers GSP commands from an
// in-memory state and splits logs into data notifications.
type Device struct {
	Name    string
	Address string

	mu           sync.Mutex
	info         protocol.DeviceInfo
	table        protocol.Table
	state        protocol.LoggerState
	config       []string
	logs         [][]byte
	resources    map[string][]byte
	utc          time.Time
	mode         uint8
	chunk        int
	continuation int
	faults       Faults
	writes       [][]byte
	connects     int
	link         *link
}

// NewDevice returns a ready, idle device advertising as name.
func NewDevice(name, address, serial string) *Device {
	return &Device{
		Name:    name,
		Address: address,
		info: protocol.DeviceInfo{
			ProtocolVersion: DefaultProtocolVersion,
			Serial:          serial,
			Product:         "Movesense",
			DFUMac:          address,
			AppName:         "datalogger",
			AppVersion:      "2.3.1",
		},
		table:     protocol.DefaultTable(),
		state:     protocol.LoggerReady,
		resources: make(map[string][]byte),
		chunk:     DefaultChunkSize,
	}
}

func (d *Device) SetInfo(info protocol.DeviceInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = info
}

// AddLog stores a raw log and returns its id. Ids start at 1.
func (d *Device) AddLog(raw []byte) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, len(raw))
	copy(buf, raw)
	d.logs = append(d.logs, buf)
	return uint32(len(d.logs))
}

// SetChunkSize sets the log bytes carried per data notification.
func (d *Device) SetChunkSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > 0 {
		d.chunk = n
	}
}

// SetContinuationSplit makes every data notification carry at most n
// bytes and move the rest of its chunk into a continuation notification.
// Zero disables continuations.
func (d *Device) SetContinuationSplit(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.continuation = n
}

func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = f
}

func (d *Device) SetResource(path string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resources[path] = append([]byte(nil), value...)
}

func (d *Device) SetLoggerState(s protocol.LoggerState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

func (d *Device) LoggerState() protocol.LoggerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) Config() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.config...)
}

func (d *Device) LogCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.logs)
}

func (d *Device) SystemMode() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *Device) UTCTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.utc
}

// Writes returns every frame written to the device, in order.
func (d *Device) Writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.writes))
	for i, w := range d.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// WriteCount counts written frames for op.
func (d *Device) WriteCount(op protocol.Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, w := range d.writes {
		if cmd, _, err := d.table.DecodeCommand(w); err == nil && cmd.Op() == op {
			n++
		}
	}
	return n
}

func (d *Device) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Connected reports whether a link is currently up.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.link != nil
}

// Inject delivers an arbitrary notification on the current link.
func (d *Device) Inject(frame []byte) bool {
	d.mu.Lock()
	l := d.link
	d.mu.Unlock()
	if l == nil {
		return false
	}
	return l.push([][]byte{frame})
}

// Drop simulates the device going out of range.
func (d *Device) Drop() {
	d.mu.Lock()
	l := d.link
	d.mu.Unlock()
	if l != nil {
		_ = l.Disconnect()
	}
}

// handle answers one written frame with the notifications the device
// would send.
func (d *Device) handle(frame []byte) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, append([]byte(nil), frame...))

	cmd, ref, err := d.table.DecodeCommand(frame)
	if err != nil {
		log.Debug().Err(err).Str("device", d.Name).Msg("memory.Device.handle drop")
		return nil
	}
	op := cmd.Op()
	if d.faults.Mute {
		return nil
	}
	if n := d.faults.Silent[op]; n > 0 {
		d.faults.Silent[op] = n - 1
		return nil
	}
	if status, ok := d.faults.Reject[op]; ok {
		return d.filter([][]byte{d.table.EncodeResponse(op, ref, status, nil)})
	}

	payload := cmd.Payload()
	ok := func(data []byte) [][]byte {
		return [][]byte{d.table.EncodeResponse(op, ref, protocol.StatusOK, data)}
	}
	status := func(code uint16) [][]byte {
		return [][]byte{d.table.EncodeResponse(op, ref, code, nil)}
	}

	var out [][]byte
	switch op {
	case protocol.OpHello:
		out = ok(d.info.Encode())
	case protocol.OpGet:
		path := strings.TrimRight(string(payload), "\x00")
		if path == protocol.PathDataLoggerState {
			out = ok([]byte{byte(d.state)})
		} else if v, found := d.resources[path]; found {
			out = ok(v)
		} else {
			out = status(protocol.StatusNotFound)
		}
	case protocol.OpPutDataLoggerConfig:
		d.config = protocol.ConfigPaths(payload)
		out = ok(nil)
	case protocol.OpPutDataLoggerState:
		if len(payload) != 1 {
			out = status(400)
			break
		}
		d.state = protocol.LoggerState(payload[0])
		out = ok(nil)
	case protocol.OpFetchLog:
		id, err := protocol.DecodeUint32(payload)
		if err != nil {
			out = status(400)
			break
		}
		if id == 0 || int(id) > len(d.logs) {
			out = status(protocol.StatusNotFound)
			break
		}
		out = append(ok(nil), d.dataFrames(ref, d.logs[id-1])...)
	case protocol.OpClearLogbook:
		d.logs = nil
		out = ok(nil)
	case protocol.OpPutUTCTime:
		us, err := protocol.DecodeUint64(payload)
		if err != nil {
			out = status(400)
			break
		}
		d.utc = time.UnixMicro(int64(us)).UTC()
		out = ok(nil)
	case protocol.OpPutSystemMode:
		if len(payload) == 1 {
			d.mode = payload[0]
		}
		out = ok(nil)
	default:
		out = status(501)
	}
	return d.filter(out)
}

func (d *Device) dataFrames(ref byte, raw []byte) [][]byte {
	var out [][]byte
	for off := 0; off < len(raw); off += d.chunk {
		end := min(off+d.chunk, len(raw))
		piece := raw[off:end]
		if d.continuation > 0 && len(piece) > d.continuation {
			out = append(out,
				d.table.EncodeData(ref, uint32(off), piece[:d.continuation]),
				d.table.EncodeContinuation(ref, uint32(off+d.continuation), piece[d.continuation:]),
			)
			continue
		}
		out = append(out, d.table.EncodeData(ref, uint32(off), piece))
	}
	return append(out, d.table.EncodeData(ref, uint32(len(raw)), nil))
}

func (d *Device) filter(out [][]byte) [][]byte {
	if d.faults.Filter == nil {
		return out
	}
	return d.faults.Filter(out)
}
