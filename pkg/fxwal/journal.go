// Package fxwal is the WAL Journal Adapter: it emits INSERT and REMOVE
// records around every FXact state change, and on replay rebuilds the
// FXact Table. The real WAL subsystem (block framing, checksums, redo
// pointer bookkeeping across the whole server) is out of scope for FXM
// (spec.md section 1) — this adapter is a minimal, self-contained log
// file good enough to stand in for the slice FXM actually needs,
// modeled on laura-db's pkg/storage.WAL: a mutex-guarded append-only
// file, binary.LittleEndian records, and a full-file Replay.
package fxwal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// envelopeHeaderLen is [4-byte length][1-byte type].
const envelopeHeaderLen = 5

// Record is one decoded WAL entry together with the byte offsets it
// occupied in the journal file (used as the FXact entry's
// InsertStartLSN/InsertEndLSN).
type Record struct {
	Type       RecordType
	StartLSN   uint64
	EndLSN     uint64
	Insert     InsertPayload
	Remove     RemovePayload
}

// Journal is the WAL Journal Adapter.
type Journal struct {
	file  *os.File
	mu    sync.Mutex
	// delayCheckpoint is a per-journal counter (standing in for the
	// per-backend RAII flag described in spec.md section 9): nonzero
	// means a checkpoint must not proceed. Callers acquire it around the
	// WAL-insert-through-entry-valid window.
	delayCheckpoint int32
}

// OpenJournal opens (creating if needed) the journal file at path.
func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("fxwal: failed to open journal: %w", err)
	}
	return &Journal{file: file}, nil
}

// BeginDelayCheckpoint increments the delay-checkpoint counter and
// returns a release function. Use as:
//
//	release := j.BeginDelayCheckpoint()
//	defer release()
func (j *Journal) BeginDelayCheckpoint() func() {
	atomic.AddInt32(&j.delayCheckpoint, 1)
	var released int32
	return func() {
		if atomic.CompareAndSwapInt32(&released, 0, 1) {
			atomic.AddInt32(&j.delayCheckpoint, -1)
		}
	}
}

// CheckpointDelayed reports whether any backend currently has
// delay-checkpoint asserted.
func (j *Journal) CheckpointDelayed() bool {
	return atomic.LoadInt32(&j.delayCheckpoint) != 0
}

// AppendInsert writes an INSERT record and returns its start/end byte
// offsets within the journal file (used as InsertStartLSN/InsertEndLSN).
// It does not fsync; call Flush for that.
func (j *Journal) AppendInsert(p InsertPayload) (startLSN, endLSN uint64, err error) {
	payload, err := EncodeInsert(p)
	if err != nil {
		return 0, 0, err
	}
	return j.appendEnvelope(RecordInsert, payload)
}

// AppendRemove writes a REMOVE record and returns its start/end byte
// offsets.
func (j *Journal) AppendRemove(p RemovePayload) (startLSN, endLSN uint64, err error) {
	return j.appendEnvelope(RecordRemove, EncodeRemove(p))
}

func (j *Journal) appendEnvelope(rt RecordType, payload []byte) (startLSN, endLSN uint64, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	pos, err := j.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("fxwal: failed to get journal position: %w", err)
	}

	buf := make([]byte, envelopeHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	buf[4] = byte(rt)
	copy(buf[envelopeHeaderLen:], payload)

	n, err := j.file.Write(buf)
	if err != nil {
		return 0, 0, fmt.Errorf("fxwal: failed to write record: %w", err)
	}

	return uint64(pos), uint64(pos) + uint64(n), nil
}

// Flush fsyncs the journal file, making every record written so far
// durable.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Sync()
}

// Replay reads every record in the journal from the beginning, in order.
// It does not rewind the file's write position (append continues where
// it left off).
func (j *Journal) Replay() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	writePos, err := j.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("fxwal: failed to snapshot journal position: %w", err)
	}
	defer j.file.Seek(writePos, io.SeekStart)

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("fxwal: failed to rewind journal: %w", err)
	}

	var records []Record
	var offset uint64
	header := make([]byte, envelopeHeaderLen)

	for {
		n, err := io.ReadFull(j.file, header)
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
			break
		}
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				break // truncated tail record; stop replay here
			}
			return nil, fmt.Errorf("fxwal: failed to read record header: %w", err)
		}

		payloadLen := binary.LittleEndian.Uint32(header[0:4])
		rt := RecordType(header[4])

		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(j.file, payload); err != nil {
				return nil, fmt.Errorf("fxwal: failed to read record payload: %w", err)
			}
		}

		start := offset
		end := offset + uint64(envelopeHeaderLen) + uint64(payloadLen)
		offset = end

		rec := Record{Type: rt, StartLSN: start, EndLSN: end}
		switch rt {
		case RecordInsert:
			rec.Insert, err = DecodeInsert(payload)
		case RecordRemove:
			rec.Remove, err = DecodeRemove(payload)
		default:
			err = fmt.Errorf("fxwal: unknown record type %d", rt)
		}
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, nil
}

// ReadRange re-reads the raw envelope bytes between [start, end) — used
// by the checkpoint path to read an INSERT record back "from WAL" before
// spilling it, per spec.md section 4.4.
func (j *Journal) ReadRange(start, end uint64) ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	writePos, err := j.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	defer j.file.Seek(writePos, io.SeekStart)

	buf := make([]byte, end-start)
	if _, err := j.file.ReadAt(buf, int64(start)); err != nil {
		return nil, fmt.Errorf("fxwal: failed to read journal range: %w", err)
	}
	return buf, nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}
