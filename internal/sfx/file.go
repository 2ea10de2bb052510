package sfx

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// ApplyFleetSubstitution replaces the trailing field of every
// conditional-info string whose second tab-separated field is
// TAIL_NUM with successive fleet ids, one per matching section, in
// section order. fleetIDs is consumed front-to-back; sections beyond
// len(fleetIDs) are left untouched.
func (f *File) ApplyFleetSubstitution(fleetIDs []string) {
	idx := 0
	for _, section := range f.Sections {
		ctx := section.Context()
		if ctx.ConditionalInfo == nil {
			continue
		}
		tailField, ok := condInfoField(*ctx.ConditionalInfo, 1)
		if !ok || tailField != "TAIL_NUM" {
			continue
		}
		if idx >= len(fleetIDs) {
			break
		}
		replaced := withReplacedLastField(*ctx.ConditionalInfo, fleetIDs[idx])
		ctx.ConditionalInfo = &replaced
		idx++
	}
}

// TotalProgress sums every Copy section's uncompressed payload size.
func (f *File) TotalProgress(archive Archive) (int64, error) {
	var total int64
	for _, section := range f.Sections {
		copySection, ok := section.(*CopySection)
		if !ok {
			continue
		}
		n, err := copySection.TotalProgress(archive)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// WriteBinary emits the file in Avidyne's wire format. progress, if
// non-nil, is called with the uncompressed byte count of each Copy
// section file as it's written.
func (f *File) WriteBinary(w io.Writer, archive Archive, sec SecurityContext, progress func(int64)) error {
	if _, err := w.Write(MagicHeader); err != nil {
		return errors.Wrap(err, "writing magic header")
	}
	if _, err := w.Write([]byte(f.Version)); err != nil {
		return errors.Wrap(err, "writing version")
	}
	if err := writeU32(w, uint32(len(f.Sections))); err != nil {
		return err
	}

	for idx, section := range f.Sections {
		if err := writeU32(w, 0); err != nil {
			return err
		}
		ctx := section.Context()
		header := ctx.Header
		if idx == 0 {
			header = sec.Cycle + " " + header
		}
		if err := writeString(w, header); err != nil {
			return err
		}

		if isThreeXVersion(f.Version) {
			if err := writeU32(w, ctx.Bitmask); err != nil {
				return err
			}
			hasCond := uint32(0)
			if ctx.ConditionalInfo != nil {
				hasCond = 1
			}
			if err := writeU32(w, hasCond); err != nil {
				return err
			}
			if ctx.ConditionalInfo != nil {
				if err := writeString(w, *ctx.ConditionalInfo); err != nil {
					return err
				}
			}
		}

		if err := writeString(w, ctx.Param); err != nil {
			return err
		}
		if _, err := w.Write([]byte{section.Kind()}); err != nil {
			return errors.Wrap(err, "writing section type")
		}

		if err := writeSectionBody(w, section, archive, sec, progress); err != nil {
			return err
		}
	}

	return writeU32(w, MagicFooter)
}

func writeSectionBody(w io.Writer, section Section, archive Archive, sec SecurityContext, progress func(int64)) error {
	switch s := section.(type) {
	case *ScriptSection:
		return s.writeBody(w, sec)
	case *CopySection:
		return s.writeBody(w, archive, progress)
	case *MessageBoxSection:
		return s.writeBody(w)
	case *ExecuteSection:
		return s.writeBody(w)
	case *PersistSection:
		return s.writeBody(w)
	default:
		return errors.Errorf("unsupported section kind %T", section)
	}
}

// ReadBinary parses the binary wire format back into a File,
// validating every structural invariant (magic, padding, checksums)
// along the way.
func ReadBinary(r io.Reader) (*File, error) {
	magic := make([]byte, len(MagicHeader))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrap(err, "reading magic header")
	}
	if !bytes.Equal(magic, MagicHeader) {
		return nil, MalformedSFX{Reason: "incorrect magic header"}
	}

	versionBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, versionBuf); err != nil {
		return nil, errors.Wrap(err, "reading version")
	}
	version := string(versionBuf)

	numSections, err := readU32(r)
	if err != nil {
		return nil, err
	}

	f := &File{Version: version}
	for i := uint32(0); i < numSections; i++ {
		if _, err := readU32(r); err != nil { // leading zero
			return nil, err
		}
		header, err := readString(r)
		if err != nil {
			return nil, err
		}

		if !isKnownVersion(version) {
			return nil, MalformedSFX{Reason: "unexpected version: " + version}
		}

		ctx := SectionContext{Header: header}
		if isThreeXVersion(version) {
			bitmask, err := readU32(r)
			if err != nil {
				return nil, err
			}
			ctx.Bitmask = bitmask
			hasCond, err := readU32(r)
			if err != nil {
				return nil, err
			}
			if hasCond != 0 {
				info, err := readString(r)
				if err != nil {
					return nil, err
				}
				ctx.ConditionalInfo = &info
			}
		}

		param, err := readString(r)
		if err != nil {
			return nil, err
		}
		ctx.Param = param

		var kindBuf [1]byte
		if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
			return nil, errors.Wrap(err, "reading section type")
		}

		section, err := readSectionBody(r, kindBuf[0], ctx)
		if err != nil {
			return nil, err
		}
		f.Sections = append(f.Sections, section)
	}

	footer, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if footer != MagicFooter {
		return nil, MalformedSFX{Reason: "incorrect footer magic"}
	}
	return f, nil
}

func readSectionBody(r io.Reader, kind byte, ctx SectionContext) (Section, error) {
	switch kind {
	case 0:
		s, err := readScriptBody(r)
		if err != nil {
			return nil, err
		}
		s.ctx = ctx
		return s, nil
	case 1:
		s, err := readCopyBody(r)
		if err != nil {
			return nil, err
		}
		s.ctx = ctx
		return s, nil
	case 3:
		s, err := readExecuteBody(r)
		if err != nil {
			return nil, err
		}
		s.ctx = ctx
		return s, nil
	case 6:
		s, err := readPersistBody(r)
		if err != nil {
			return nil, err
		}
		s.ctx = ctx
		return s, nil
	case 14:
		s, err := readMessageBoxBody(r)
		if err != nil {
			return nil, err
		}
		s.ctx = ctx
		return s, nil
	default:
		return nil, errors.Errorf("unsupported section type: %d", kind)
	}
}
