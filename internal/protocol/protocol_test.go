package protocol

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/gspctl/internal/testutil/testlog"
)

func TestDefaultTableIsValid(t *testing.T) {
	testlog.Start(t)
	tbl := DefaultTable()
	if err := tbl.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if tag, _ := tbl.OpTag(OpPutDataLoggerState); tag != 9 {
		t.Fatalf("put_datalogger_state tag = %d", tag)
	}
	if op, ok := tbl.OpForTag(3); !ok || op != OpFetchLog {
		t.Fatalf("OpForTag(3) = %s,%v", op, ok)
	}
}

func TestTableValidateRejectsDuplicateTags(t *testing.T) {
	testlog.Start(t)
	tbl := DefaultTable()
	tbl.Ops[OpGet] = tbl.Ops[OpHello]
	if err := tbl.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable, got %v", err)
	}

	tbl = DefaultTable()
	tbl.DataContinuationTag = tbl.DataTag
	if err := tbl.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable for response tags, got %v", err)
	}
}

func TestWithUUIDsDoesNotMutateSource(t *testing.T) {
	testlog.Start(t)
	base := DefaultTable()
	out, err := base.WithUUIDs("", "", "34800003-7185-4d5d-b431-630e7050e8f0")
	if err != nil {
		t.Fatalf("with uuids: %v", err)
	}
	if out.NotifyUUID.String() != "34800003-7185-4d5d-b431-630e7050e8f0" {
		t.Fatalf("notify uuid = %s", out.NotifyUUID)
	}
	if base.NotifyUUID.String() != DefaultNotifyUUID {
		t.Fatalf("source table mutated")
	}
	if _, err := base.WithUUIDs("not-a-uuid", "", ""); !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected ErrInvalidTable, got %v", err)
	}
}

func TestEncodeCommandFraming(t *testing.T) {
	testlog.Start(t)
	tbl := DefaultTable()

	frame, err := tbl.EncodeCommand(FetchLogCommand(7), 42)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{3, 42, 7, 0, 0, 0}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = %v want %v", frame, want)
	}

	cmd, ref, err := tbl.DecodeCommand(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Op() != OpFetchLog || ref != 42 || !bytes.Equal(cmd.Payload(), want[2:]) {
		t.Fatalf("decoded %s ref=%d payload=%v", cmd.Op(), ref, cmd.Payload())
	}
}

func TestEncodeCommandWithAlternateTable(t *testing.T) {
	testlog.Start(t)
	tbl := DefaultTable()
	tbl.Ops[OpHello] = 0x40
	tbl.Ops[OpGet] = 0x44

	frame, err := tbl.EncodeCommand(HelloCommand(), 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if frame[0] != 0x40 {
		t.Fatalf("hello tag = %#x", frame[0])
	}
}

func TestEncodeCommandRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	tbl := DefaultTable()
	tbl.MaxPayload = 4
	_, err := tbl.EncodeCommand(GetCommand("/Mem/DataLogger/State"), 1)
	if !errors.Is(err, ErrProtocolError) {
		t.Fatalf("expected ErrProtocolError, got %v", err)
	}
}

func TestCommandPayloadIsCopied(t *testing.T) {
	testlog.Start(t)
	src := []byte{1, 2, 3}
	cmd := NewCommand(OpGet, src)
	src[0] = 9
	got := cmd.Payload()
	got[1] = 9
	if !bytes.Equal(cmd.Payload(), []byte{1, 2, 3}) {
		t.Fatalf("command payload mutated: %v", cmd.Payload())
	}
}

func TestConfigCommandAppendsTimeReference(t *testing.T) {
	testlog.Start(t)
	cmd := ConfigCommand([]string{"/Meas/Acc/52", " ", "/Meas/Gyro/52"})
	paths := ConfigPaths(cmd.Payload())
	want := []string{"/Meas/Acc/52", "/Meas/Gyro/52", PathTimeDetailed}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths[%d] = %q want %q", i, paths[i], want[i])
		}
	}

	cmd = ConfigCommand([]string{PathTimeDetailed, "/Meas/Acc/52"})
	if got := ConfigPaths(cmd.Payload()); len(got) != 2 {
		t.Fatalf("time reference duplicated: %v", got)
	}
}

func TestUTCTimeCommandMicroseconds(t *testing.T) {
	testlog.Start(t)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	got, err := DecodeUint64(UTCTimeCommand(ts).Payload())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if int64(got) != ts.UnixMicro() {
		t.Fatalf("payload = %d want %d", got, ts.UnixMicro())
	}
}

func TestParseNotificationClassifiesTags(t *testing.T) {
	testlog.Start(t)
	tbl := DefaultTable()

	cases := []struct {
		buf  []byte
		kind Kind
	}{
		{[]byte{1, 5, 200, 0}, KindCommandResponse},
		{[]byte{2, 5, 0, 0, 0, 0, 0xAA}, KindData},
		{[]byte{3, 5, 0xBB}, KindDataContinuation},
	}
	for _, tc := range cases {
		n, err := tbl.ParseNotification(tc.buf)
		if err != nil {
			t.Fatalf("parse %v: %v", tc.buf, err)
		}
		if n.Kind != tc.kind || n.Reference != 5 {
			t.Fatalf("parse %v: kind=%s ref=%d", tc.buf, n.Kind, n.Reference)
		}
	}

	for _, bad := range [][]byte{nil, {1}, {9, 1, 0}} {
		if _, err := tbl.ParseNotification(bad); !errors.Is(err, ErrProtocolError) {
			t.Fatalf("parse %v: expected ErrProtocolError, got %v", bad, err)
		}
	}
}

func TestParseResponseStatus(t *testing.T) {
	testlog.Start(t)
	tbl := DefaultTable()

	n, _ := tbl.ParseNotification(tbl.EncodeResponse(OpGet, 7, StatusNotFound, []byte{2}))
	resp, err := ParseResponse(OpGet, n)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.Status != StatusNotFound || !bytes.Equal(resp.Data, []byte{2}) {
		t.Fatalf("response = %+v", resp)
	}

	short, _ := tbl.ParseNotification([]byte{1, 7, 200})
	if _, err := ParseResponse(OpGet, short); !errors.Is(err, ErrProtocolError) {
		t.Fatalf("expected ErrProtocolError for short status, got %v", err)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	tbl := DefaultTable()
	info := DeviceInfo{
		ProtocolVersion: 1,
		Serial:          "241330000455",
		Product:         "Movesense",
		DFUMac:          "0C:8C:DC:00:00:01",
		AppName:         "datalogger",
		AppVersion:      "2.3.1",
	}
	n, _ := tbl.ParseNotification(tbl.EncodeResponse(OpHello, 1, StatusOK, info.Encode()))
	resp, err := ParseResponse(OpHello, n)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	got, err := ParseDeviceInfo(resp.Data)
	if err != nil {
		t.Fatalf("parse device info: %v", err)
	}
	if got != info {
		t.Fatalf("device info = %+v want %+v", got, info)
	}
	if !got.MatchesSerial("0455") || got.MatchesSerial("0456") || got.MatchesSerial("") {
		t.Fatalf("serial suffix matching is wrong")
	}
}

func TestParseDeviceInfoWithoutSerial(t *testing.T) {
	testlog.Start(t)
	if _, err := ParseDeviceInfo([]byte{1}); !errors.Is(err, ErrProtocolError) {
		t.Fatalf("expected ErrProtocolError, got %v", err)
	}
	if _, err := ParseDeviceInfo(nil); !errors.Is(err, ErrProtocolError) {
		t.Fatalf("expected ErrProtocolError for empty body, got %v", err)
	}
}

func TestParseData(t *testing.T) {
	testlog.Start(t)
	tbl := DefaultTable()

	n, _ := tbl.ParseNotification(tbl.EncodeData(4, 20, []byte{1, 2}))
	chunk, err := ParseData(n)
	if err != nil {
		t.Fatalf("parse data: %v", err)
	}
	if chunk.Offset != 20 || !bytes.Equal(chunk.Bytes, []byte{1, 2}) || chunk.End() {
		t.Fatalf("chunk = %+v", chunk)
	}

	end, _ := tbl.ParseNotification(tbl.EncodeData(4, 22, nil))
	chunk, _ = ParseData(end)
	if !chunk.End() {
		t.Fatalf("expected end marker")
	}

	cont, _ := tbl.ParseNotification([]byte{3, 4, 22, 0, 0, 0, 0xAA, 0xBB})
	chunk, err = ParseData(cont)
	if err != nil {
		t.Fatalf("parse continuation: %v", err)
	}
	if !chunk.Continuation || chunk.Offset != 22 || !bytes.Equal(chunk.Bytes, []byte{0xAA, 0xBB}) {
		t.Fatalf("continuation = %+v", chunk)
	}
	if !bytes.Equal(tbl.EncodeContinuation(4, 22, []byte{0xAA, 0xBB}), []byte{3, 4, 22, 0, 0, 0, 0xAA, 0xBB}) {
		t.Fatalf("continuation encoding mismatch")
	}

	contEnd, _ := tbl.ParseNotification(tbl.EncodeContinuation(4, 24, nil))
	chunk, _ = ParseData(contEnd)
	if !chunk.End() {
		t.Fatalf("empty continuation must end the stream")
	}

	for _, buf := range [][]byte{{2, 4, 0, 0}, {3, 4, 0xBB}} {
		short, _ := tbl.ParseNotification(buf)
		_, err := ParseData(short)
		if !errors.Is(err, ErrProtocolError) || !errors.Is(err, ErrTruncated) {
			t.Fatalf("parse %v: expected ErrProtocolError and ErrTruncated, got %v", buf, err)
		}
	}
}

func TestStatusErrorUnwrapsToCommandRejected(t *testing.T) {
	testlog.Start(t)
	var err error = &StatusError{Op: OpFetchLog, Status: StatusNotFound}
	if !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("expected ErrCommandRejected")
	}
	if !IsStatus(err, StatusNotFound) || IsStatus(err, 500) {
		t.Fatalf("IsStatus mismatch")
	}
	if IsStatus(ErrResponseTimeout, StatusNotFound) {
		t.Fatalf("plain sentinel must not carry a status")
	}
}
