package sfx

import (
	"bytes"
	"compress/zlib"
	"io"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/dimaryaz/jdmtool/internal/checksum"
)

// Archive is the narrow file-access surface a Copy section needs;
// satisfied by a *zip.Reader wrapper so tests can supply an in-memory
// fake instead of a real ZIP container.
type Archive interface {
	ReadFile(name string) ([]byte, error)
	FileSize(name string) (int64, error)
}

// ScriptSection (type 0) carries the start-of-transfer message and,
// when security is enabled, the 0xAA padding block whose length
// tracks the card's remaining-transfers count.
type ScriptSection struct {
	ctx          SectionContext
	StartMessage string
	Security     bool
}

func NewScriptSection(ctx SectionContext, startMessage string, security bool) *ScriptSection {
	return &ScriptSection{ctx: ctx, StartMessage: startMessage, Security: security}
}

func (s *ScriptSection) Context() *SectionContext { return &s.ctx }
func (s *ScriptSection) Kind() byte               { return 0 }

func (s *ScriptSection) writeBody(w io.Writer, sec SecurityContext) error {
	if err := writeString(w, s.StartMessage); err != nil {
		return err
	}
	securityByte := byte(0)
	if s.Security {
		securityByte = 1
	}
	if _, err := w.Write([]byte{securityByte}); err != nil {
		return errors.Wrap(err, "writing security flag")
	}
	if !s.Security {
		return nil
	}

	if _, err := w.Write([]byte{0x03}); err != nil {
		return err
	}
	if err := writeString(w, sec.Cycle); err != nil {
		return err
	}
	if err := writeU32(w, sec.VolumeID); err != nil {
		return err
	}
	if err := writeU32(w, sec.RemainingTransfers); err != nil {
		return err
	}
	padding := bytes.Repeat([]byte{0xAA}, 32*int(sec.RemainingTransfers))
	_, err := w.Write(padding)
	return errors.Wrap(err, "writing security padding")
}

func readScriptBody(r io.Reader) (*ScriptSection, error) {
	msg, err := readString(r)
	if err != nil {
		return nil, err
	}
	var flagBuf [1]byte
	if _, err := io.ReadFull(r, flagBuf[:]); err != nil {
		return nil, errors.Wrap(err, "reading security flag")
	}
	s := &ScriptSection{StartMessage: msg, Security: flagBuf[0] != 0}
	if !s.Security {
		return s, nil
	}

	var unknown [1]byte
	if _, err := io.ReadFull(r, unknown[:]); err != nil {
		return nil, errors.Wrap(err, "reading security marker")
	}
	if unknown[0] != 0x03 {
		return nil, MalformedSFX{Reason: "unexpected security marker byte"}
	}
	if _, err := readString(r); err != nil { // cycle
		return nil, err
	}
	if _, err := readU32(r); err != nil { // volume id
		return nil, err
	}
	remaining, err := readU32(r)
	if err != nil {
		return nil, err
	}
	padding := make([]byte, 32*int(remaining))
	if _, err := io.ReadFull(r, padding); err != nil {
		return nil, errors.Wrap(err, "reading security padding")
	}
	for _, b := range padding {
		if b != 0xAA {
			return nil, MalformedSFX{Reason: "security padding is not all 0xAA"}
		}
	}
	return s, nil
}

// CopySection (type 1) deflates and SFX-checksums a list of files
// pulled from the distribution ZIP.
type CopySection struct {
	ctx   SectionContext
	Mode  int
	Files []string
}

func NewCopySection(ctx SectionContext, mode int, files []string) *CopySection {
	return &CopySection{ctx: ctx, Mode: mode, Files: files}
}

func (s *CopySection) Context() *SectionContext { return &s.ctx }
func (s *CopySection) Kind() byte               { return 1 }

// TotalProgress sums the uncompressed size of every file this section
// copies, for progress reporting.
func (s *CopySection) TotalProgress(archive Archive) (int64, error) {
	var total int64
	for _, f := range s.Files {
		sz, err := archive.FileSize(resolveArchivePath(f))
		if err != nil {
			return 0, err
		}
		total += sz
	}
	return total, nil
}

// resolveArchivePath normalizes a script path with path.Clean. Leading
// ".." components are kept as they are; they are not resolved against
// the script's own directory in the archive.
func resolveArchivePath(scriptPath string) string {
	return path.Clean(scriptPath)
}

func (s *CopySection) writeBody(w io.Writer, archive Archive, progress func(int64)) error {
	if err := writeU32(w, uint32(len(s.Files))); err != nil {
		return err
	}
	if err := writeU32(w, uint32(s.Mode)); err != nil {
		return err
	}

	for _, f := range s.Files {
		base := path.Base(f)
		if err := writeString(w, base); err != nil {
			return err
		}
		if err := writeU32(w, 3); err != nil {
			return err
		}

		contents, err := archive.ReadFile(resolveArchivePath(f))
		if err != nil {
			return err
		}
		if err := writeU32(w, uint32(len(contents))); err != nil {
			return err
		}

		var compressed bytes.Buffer
		zw := zlib.NewWriter(&compressed)
		if _, err := zw.Write(contents); err != nil {
			return errors.Wrap(err, "deflating copy contents")
		}
		if err := zw.Close(); err != nil {
			return errors.Wrap(err, "closing deflate stream")
		}
		if err := writeBytes(w, compressed.Bytes()); err != nil {
			return err
		}

		sum := checksum.SFXChecksum(0, contents)
		if err := writeU32(w, sum); err != nil {
			return err
		}
		if progress != nil {
			progress(int64(len(contents)))
		}
	}
	return nil
}

func readCopyBody(r io.Reader) (*CopySection, error) {
	fileCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	mode, err := readU32(r)
	if err != nil {
		return nil, err
	}
	s := &CopySection{Mode: int(mode)}

	for i := uint32(0); i < fileCount; i++ {
		filename, err := readString(r)
		if err != nil {
			return nil, err
		}
		s.Files = append(s.Files, filename)

		if _, err := readU32(r); err != nil { // always 3
			return nil, err
		}
		size, err := readU32(r)
		if err != nil {
			return nil, err
		}
		compressed, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, errors.Wrap(err, "opening deflate stream")
		}
		contents, err := io.ReadAll(zr)
		if err != nil {
			return nil, errors.Wrap(err, "inflating copy contents")
		}
		if uint32(len(contents)) != size {
			return nil, MalformedSFX{Reason: "copy section uncompressed size mismatch"}
		}
		expectedCRC, err := readU32(r)
		if err != nil {
			return nil, err
		}
		if got := checksum.SFXChecksum(0, contents); got != expectedCRC {
			return nil, &checksum.Mismatch{Expected: expectedCRC, Got: got}
		}
	}
	return s, nil
}

// MessageBoxSection (type 14) pops a dialog with optional Proceed and
// Cancel buttons.
type MessageBoxSection struct {
	ctx                     SectionContext
	HasProceed, HasCancel   bool
	Message                 string
}

func NewMessageBoxSection(ctx SectionContext, hasProceed, hasCancel bool, message string) *MessageBoxSection {
	return &MessageBoxSection{ctx: ctx, HasProceed: hasProceed, HasCancel: hasCancel, Message: message}
}

func (s *MessageBoxSection) Context() *SectionContext { return &s.ctx }
func (s *MessageBoxSection) Kind() byte               { return 14 }

func (s *MessageBoxSection) writeBody(w io.Writer) error {
	flags := []byte{0, 0}
	if s.HasProceed {
		flags[0] = 1
	}
	if s.HasCancel {
		flags[1] = 1
	}
	if _, err := w.Write(flags); err != nil {
		return errors.Wrap(err, "writing message box flags")
	}
	return writeString(w, s.Message)
}

func readMessageBoxBody(r io.Reader) (*MessageBoxSection, error) {
	var flags [2]byte
	if _, err := io.ReadFull(r, flags[:]); err != nil {
		return nil, errors.Wrap(err, "reading message box flags")
	}
	msg, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &MessageBoxSection{HasProceed: flags[0] != 0, HasCancel: flags[1] != 0, Message: msg}, nil
}

// ExecuteSection (type 3) runs a named program on the target after
// the transfer completes.
type ExecuteSection struct {
	ctx     SectionContext
	Command string
	Flag    byte
}

func NewExecuteSection(ctx SectionContext, command string, flag byte) *ExecuteSection {
	return &ExecuteSection{ctx: ctx, Command: command, Flag: flag}
}

func (s *ExecuteSection) Context() *SectionContext { return &s.ctx }
func (s *ExecuteSection) Kind() byte               { return 3 }

func (s *ExecuteSection) writeBody(w io.Writer) error {
	if err := writeString(w, s.Command); err != nil {
		return err
	}
	_, err := w.Write([]byte{s.Flag})
	return errors.Wrap(err, "writing execute flag")
}

func readExecuteBody(r io.Reader) (*ExecuteSection, error) {
	cmd, err := readString(r)
	if err != nil {
		return nil, err
	}
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, errors.Wrap(err, "reading execute flag")
	}
	return &ExecuteSection{Command: cmd, Flag: flag[0]}, nil
}

// PersistSection (type 6) writes one key/value pair into the target's
// persistent configuration store.
type PersistSection struct {
	ctx      SectionContext
	Path     string
	Key      string
	Value    string
	DataType uint32
}

func NewPersistSection(ctx SectionContext, path, key, value string, dataType uint32) *PersistSection {
	return &PersistSection{ctx: ctx, Path: path, Key: key, Value: value, DataType: dataType}
}

func (s *PersistSection) Context() *SectionContext { return &s.ctx }
func (s *PersistSection) Kind() byte               { return 6 }

func (s *PersistSection) writeBody(w io.Writer) error {
	for _, v := range []string{s.Path, s.Key, s.Value} {
		if err := writeString(w, v); err != nil {
			return err
		}
	}
	return writeU32(w, s.DataType)
}

func readPersistBody(r io.Reader) (*PersistSection, error) {
	pathStr, err := readString(r)
	if err != nil {
		return nil, err
	}
	key, err := readString(r)
	if err != nil {
		return nil, err
	}
	value, err := readString(r)
	if err != nil {
		return nil, err
	}
	dataType, err := readU32(r)
	if err != nil {
		return nil, err
	}
	return &PersistSection{Path: pathStr, Key: key, Value: value, DataType: dataType}, nil
}

// condInfoField returns the i-th (0-based) tab-separated field of a
// conditional info string, used by fleet substitution to locate the
// TAIL_NUM marker and replace the trailing field.
func condInfoField(info string, i int) (string, bool) {
	parts := strings.Split(info, "\t")
	if i < 0 || i >= len(parts) {
		return "", false
	}
	return parts[i], true
}

// withReplacedLastField substitutes the last field of a tab-separated
// conditional info string (the fourth, in the four-field form), used
// by fleet substitution.
func withReplacedLastField(info, replacement string) string {
	parts := strings.Split(info, "\t")
	if len(parts) == 0 {
		return info
	}
	parts[len(parts)-1] = replacement
	return strings.Join(parts, "\t")
}
