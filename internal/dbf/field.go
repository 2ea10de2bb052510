package dbf

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/storage"
)

// FieldType identifies one of the supported xBase field kinds.
type FieldType byte

const (
	TypeCharacter FieldType = 'C'
	TypeDate      FieldType = 'D'
	TypeLogical   FieldType = 'L'
	TypeMemo      FieldType = 'M'
	TypeNumeric   FieldType = 'N'
)

// Field describes one column in a DBF record.
type Field struct {
	Name   string
	Type   FieldType
	Length uint8
}

// rawField is the 32-byte on-disk field descriptor layout.
type rawField struct {
	Name     [11]byte
	Type     uint8
	Reserved1 [4]byte
	Length   uint8
	Reserved2 [15]byte
}

func readField(r *storage.Reader) (Field, error) {
	var raw rawField
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return Field{}, err
	}
	name := bytes.TrimRight(raw.Name[:], "\x00")
	return Field{
		Name:   string(name),
		Type:   FieldType(raw.Type),
		Length: raw.Length,
	}, nil
}

func writeField(w writerAt, f Field) error {
	var raw rawField
	copy(raw.Name[:], f.Name)
	raw.Type = byte(f.Type)
	raw.Length = f.Length
	return binary.Write(w, binary.LittleEndian, &raw)
}

// UnsupportedFieldType is returned when a record contains a field
// descriptor whose type this codec does not implement.
type UnsupportedFieldType struct {
	Type FieldType
}

func (e *UnsupportedFieldType) Error() string {
	return errors.Errorf("unsupported field type: %q", byte(e.Type)).Error()
}
