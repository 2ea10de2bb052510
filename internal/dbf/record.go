package dbf

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/charmap"

	"github.com/dimaryaz/jdmtool/internal/storage"
)

// DeletedRecord is returned by ReadRecord when the deletion marker
// byte is '*'. Any other value besides ' ' is a bad-deletion-marker
// error.
type DeletedRecord struct{}

func (DeletedRecord) Error() string { return "record is marked as deleted" }

// Record holds one row's decoded values, in field order. nil means
// the xBase-level null for that field's type.
type Record []any

var latin1 = charmap.ISO8859_1

// ReadRecord reads one record's deletion marker and field bytes,
// decoding each according to its field descriptor.
func ReadRecord(r *storage.Reader, fields []Field) (Record, error) {
	marker, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "reading deletion marker")
	}
	switch marker {
	case ' ':
	case '*':
		return nil, DeletedRecord{}
	default:
		return nil, errors.Errorf("bad deletion marker: %q", marker)
	}

	values := make(Record, len(fields))
	for i, f := range fields {
		raw, err := r.ReadBytes(int(f.Length))
		if err != nil {
			return nil, errors.Wrapf(err, "reading field %q", f.Name)
		}
		decoded, err := latin1.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding field %q", f.Name)
		}
		data := string(decoded)

		v, err := decodeField(f, data)
		if err != nil {
			return nil, errors.Wrapf(err, "field %q", f.Name)
		}
		values[i] = v
	}
	return values, nil
}

func decodeField(f Field, data string) (any, error) {
	switch f.Type {
	case TypeCharacter:
		return strings.TrimRight(data, " "), nil
	case TypeDate:
		return data, nil
	case TypeLogical:
		switch data {
		case "Y", "y", "T", "t":
			return true, nil
		case "N", "n", "F", "f":
			return false, nil
		case "?":
			return nil, nil
		default:
			return nil, errors.Errorf("bad logical value: %q", data)
		}
	case TypeMemo, TypeNumeric:
		s := strings.TrimSpace(data)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad numeric value: %q", s)
		}
		return n, nil
	default:
		return nil, &UnsupportedFieldType{Type: f.Type}
	}
}

// WriteRecord writes the live-record marker followed by each field's
// encoded bytes, left-justified and space-padded on the right.
//
// Numeric (N/M) fields are left-justified on write, not right-
// justified — this mirrors a long-standing bug in the vendor tool
// that produced these files and must not be "fixed".
func WriteRecord(w writerAt, fields []Field, values Record) error {
	if len(values) != len(fields) {
		return errors.Errorf("expected %d values, got %d", len(fields), len(values))
	}
	if _, err := w.Write([]byte{' '}); err != nil {
		return err
	}

	for i, f := range fields {
		data, err := encodeField(f, values[i])
		if err != nil {
			return errors.Wrapf(err, "field %q", f.Name)
		}
		if len(data) != int(f.Length) {
			return errors.Errorf("field %q: encoded length %d != declared length %d", f.Name, len(data), f.Length)
		}
		encoded, err := latin1.NewEncoder().String(data)
		if err != nil {
			return errors.Wrapf(err, "encoding field %q", f.Name)
		}
		if _, err := w.Write([]byte(encoded)); err != nil {
			return err
		}
	}
	return nil
}

func encodeField(f Field, value any) (string, error) {
	switch f.Type {
	case TypeCharacter:
		s, _ := value.(string)
		if value == nil {
			return "", errors.New("C field cannot be nil")
		}
		return padRight(s, int(f.Length)), nil
	case TypeDate:
		s, _ := value.(string)
		if value == nil {
			return "", errors.New("D field cannot be nil")
		}
		return padRight(s, int(f.Length)), nil
	case TypeLogical:
		switch v := value.(type) {
		case nil:
			return padRight("?", int(f.Length)), nil
		case bool:
			if v {
				return padRight("T", int(f.Length)), nil
			}
			return padRight("F", int(f.Length)), nil
		default:
			return "", errors.Errorf("L field must be bool or nil, got %T", value)
		}
	case TypeMemo, TypeNumeric:
		var s string
		if value != nil {
			n, ok := value.(int64)
			if !ok {
				return "", errors.Errorf("%c field must be int64 or nil, got %T", f.Type, value)
			}
			s = strconv.FormatInt(n, 10)
		}
		return padRight(s, int(f.Length)), nil
	default:
		return "", &UnsupportedFieldType{Type: f.Type}
	}
}

func padRight(s string, length int) string {
	if len(s) >= length {
		return s[:length]
	}
	return s + strings.Repeat(" ", length-len(s))
}
