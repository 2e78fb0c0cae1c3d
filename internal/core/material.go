package core

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"os"
)

// materialEntry is a compact description of one table or index's schema,
// enough to recreate it without parsing a possibly-corrupt database
// header (§4.7 "material").
type materialEntry struct {
	Type    string `json:"type"` // "table" or "index"
	Name    string `json:"name"`
	TblName string `json:"tbl_name"`
	SQL     string `json:"sql"`
}

const materialVersion = 1

// material is the payload snapshotted to <db>.material. database/sql
// gives this runtime no access to an engine-level rootpage map, so unlike
// the raw page-pointer material a C-level implementation would keep, this
// one is schema-only: retrieve() falls back to re-reading rows through
// SQL rather than walking stored page offsets (see repair.go).
type material struct {
	Version int             `json:"version"`
	Entries []materialEntry `json:"entries"`
}

// writeMaterialFile serializes m as JSON and writes it to path prefixed
// with a fixed 8-byte header: 4-byte version, 4-byte CRC32 of the JSON
// payload (§6.3 "versioned header with CRC32").
func writeMaterialFile(path string, m material) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return wrapError(KindError, SeverityError, err, "marshal material")
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(m.Version))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(header, payload...), 0o644); err != nil {
		return wrapError(KindIOErr, SeverityError, err, "write material file %q", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return wrapError(KindIOErr, SeverityError, err, "rename material file into place %q", path)
	}
	return nil
}

// readMaterialFile reads and validates a material file written by
// writeMaterialFile, rejecting it on CRC mismatch rather than returning a
// schema snapshot that might not match its own entries.
func readMaterialFile(path string) (material, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return material{}, wrapError(KindIOErr, SeverityError, err, "read material file %q", path)
	}
	if len(data) < 8 {
		return material{}, newError(KindCorrupt, SeverityError, "material file %q truncated", path)
	}
	version := binary.LittleEndian.Uint32(data[0:4])
	wantCRC := binary.LittleEndian.Uint32(data[4:8])
	payload := data[8:]
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return material{}, newError(KindCorrupt, SeverityError, "material file %q failed CRC check", path).WithInfo("path", path)
	}
	var m material
	if err := json.Unmarshal(payload, &m); err != nil {
		return material{}, wrapError(KindCorrupt, SeverityError, err, "unmarshal material file %q", path)
	}
	m.Version = int(version)
	return m, nil
}

// rotateMaterial moves the current material file to its ".first"
// sibling before a fresh one is written, matching the rotation scheme of
// §6.3 (`<db>.material` and `<db>.material.first`).
func rotateMaterial(path string) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Rename(path, path+".first")
	}
}
