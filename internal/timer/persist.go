package timer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/renameio/v2"
)

// Persistence file layout: one version byte, a little-endian uint32
// record count, then fixed-framing records of
// channel-id (u32), start epoch (i64), end epoch (i64),
// start margin minutes (u16), end margin minutes (u16), state (u8),
// title (u8 length prefix + UTF-8, at most 255 bytes), client index (u32).
const cacheVersion byte = 0x01

// saveRecords writes records to path atomically: the temp file is synced
// before the rename so a power failure never leaves a torn timer cache.
func saveRecords(path string, records []Record) error {
	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending timer cache: %w", err)
	}
	defer func() { _ = pf.Cleanup() }()

	var buf bytes.Buffer
	buf.WriteByte(cacheVersion)
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(records))); err != nil {
		return err
	}
	for _, rec := range records {
		if err := encodeRecord(&buf, rec); err != nil {
			return err
		}
	}

	if _, err := pf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write timer cache: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace timer cache: %w", err)
	}
	return nil
}

// loadRecords reads a timer cache written by saveRecords. A missing file
// is an empty set, not an error.
func loadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read timer cache: %w", err)
	}

	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: empty file", ErrCorruptCache)
	}
	if version != cacheVersion {
		return nil, fmt.Errorf("%w: unsupported version %#x", ErrCorruptCache, version)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: truncated count", ErrCorruptCache)
	}

	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		rec, err := decodeRecord(r)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorruptCache, i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func encodeRecord(buf *bytes.Buffer, rec Record) error {
	title := []byte(rec.Title)
	if len(title) > 255 {
		title = title[:255]
	}

	fields := []interface{}{
		rec.ChannelID,
		rec.Start.Unix(),
		rec.End.Unix(),
		uint16(rec.MarginStart / time.Minute),
		uint16(rec.MarginEnd / time.Minute),
		uint8(rec.State),
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	buf.WriteByte(uint8(len(title)))
	buf.Write(title)
	return binary.Write(buf, binary.LittleEndian, rec.ClientIndex)
}

func decodeRecord(r *bytes.Reader) (Record, error) {
	var (
		channelID            uint32
		startEpoch, endEpoch int64
		marginStart          uint16
		marginEnd            uint16
		state                uint8
	)
	for _, f := range []interface{}{&channelID, &startEpoch, &endEpoch, &marginStart, &marginEnd, &state} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Record{}, err
		}
	}

	titleLen, err := r.ReadByte()
	if err != nil {
		return Record{}, err
	}
	title := make([]byte, titleLen)
	if _, err := io.ReadFull(r, title); err != nil {
		return Record{}, err
	}

	var clientIndex uint32
	if err := binary.Read(r, binary.LittleEndian, &clientIndex); err != nil {
		return Record{}, err
	}

	return Record{
		ClientIndex: clientIndex,
		ChannelID:   channelID,
		Start:       time.Unix(startEpoch, 0),
		End:         time.Unix(endEpoch, 0),
		MarginStart: time.Duration(marginStart) * time.Minute,
		MarginEnd:   time.Duration(marginEnd) * time.Minute,
		Title:       string(title),
		State:       State(state),
	}, nil
}
