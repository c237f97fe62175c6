package fxwal

import (
	"encoding/binary"
	"fmt"
)

// RecordType distinguishes the two WAL record kinds FXM emits.
type RecordType uint8

const (
	RecordInsert RecordType = iota
	RecordRemove
)

func (t RecordType) String() string {
	switch t {
	case RecordInsert:
		return "INSERT"
	case RecordRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// InsertPayload mirrors spec.md section 6's INSERT record layout exactly:
//
//	{u32 dbid, u64 xid, u32 serverId, u32 userId, u32 userMappingId, NUL-terminated prepareId}
//
// padded to a 4-byte boundary.
type InsertPayload struct {
	DBID          uint32
	Xid           uint64
	ServerID      uint32
	UserID        uint32
	UserMappingID uint32
	PrepareID     string
}

// RemovePayload mirrors spec.md section 6's REMOVE record layout exactly:
//
//	{u32 dbid, u64 xid, u32 serverId, u32 userId}
type RemovePayload struct {
	DBID     uint32
	Xid      uint64
	ServerID uint32
	UserID   uint32
}

// insertFixedLen is the length, in bytes, of the INSERT payload before the
// NUL-terminated prepare id: 4 + 8 + 4 + 4 + 4.
const insertFixedLen = 24

// removeFixedLen is the length, in bytes, of the REMOVE payload: 4 + 8 + 4 + 4.
const removeFixedLen = 20

func alignUp4(n int) int {
	if rem := n % 4; rem != 0 {
		return n + (4 - rem)
	}
	return n
}

// EncodeInsert renders p into its bit-exact, 4-byte-aligned wire form.
func EncodeInsert(p InsertPayload) ([]byte, error) {
	if len(p.PrepareID) > 200 {
		return nil, fmt.Errorf("fxwal: prepare id exceeds 200 bytes (got %d)", len(p.PrepareID))
	}

	unaligned := insertFixedLen + len(p.PrepareID) + 1 // +1 for NUL terminator
	total := alignUp4(unaligned)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], p.DBID)
	binary.LittleEndian.PutUint64(buf[4:12], p.Xid)
	binary.LittleEndian.PutUint32(buf[12:16], p.ServerID)
	binary.LittleEndian.PutUint32(buf[16:20], p.UserID)
	binary.LittleEndian.PutUint32(buf[20:24], p.UserMappingID)
	copy(buf[24:24+len(p.PrepareID)], p.PrepareID)
	// buf[24+len(p.PrepareID)] is left zero as the NUL terminator; any
	// remaining alignment padding is also zero from make([]byte, ...).

	return buf, nil
}

// DecodeInsert parses the bit-exact wire form produced by EncodeInsert.
func DecodeInsert(buf []byte) (InsertPayload, error) {
	if len(buf) < insertFixedLen+1 {
		return InsertPayload{}, fmt.Errorf("fxwal: INSERT payload too short (%d bytes)", len(buf))
	}

	p := InsertPayload{
		DBID:          binary.LittleEndian.Uint32(buf[0:4]),
		Xid:           binary.LittleEndian.Uint64(buf[4:12]),
		ServerID:      binary.LittleEndian.Uint32(buf[12:16]),
		UserID:        binary.LittleEndian.Uint32(buf[16:20]),
		UserMappingID: binary.LittleEndian.Uint32(buf[20:24]),
	}

	// The prepare id runs from offset 24 to the first NUL byte.
	nul := -1
	for i := insertFixedLen; i < len(buf); i++ {
		if buf[i] == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return InsertPayload{}, fmt.Errorf("fxwal: INSERT payload missing NUL terminator")
	}
	p.PrepareID = string(buf[insertFixedLen:nul])

	return p, nil
}

// EncodeRemove renders p into its bit-exact wire form.
func EncodeRemove(p RemovePayload) []byte {
	buf := make([]byte, removeFixedLen)
	binary.LittleEndian.PutUint32(buf[0:4], p.DBID)
	binary.LittleEndian.PutUint64(buf[4:12], p.Xid)
	binary.LittleEndian.PutUint32(buf[12:16], p.ServerID)
	binary.LittleEndian.PutUint32(buf[16:20], p.UserID)
	return buf
}

// DecodeRemove parses the bit-exact wire form produced by EncodeRemove.
func DecodeRemove(buf []byte) (RemovePayload, error) {
	if len(buf) < removeFixedLen {
		return RemovePayload{}, fmt.Errorf("fxwal: REMOVE payload too short (%d bytes)", len(buf))
	}
	return RemovePayload{
		DBID:     binary.LittleEndian.Uint32(buf[0:4]),
		Xid:      binary.LittleEndian.Uint64(buf[4:12]),
		ServerID: binary.LittleEndian.Uint32(buf[12:16]),
		UserID:   binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}
