package sfx

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	sectionLineRE     = regexp.MustCompile(`^(\d{1,2})\s+(.+?)( ~Conditional.*)?$`)
	conditionalOldRE  = regexp.MustCompile(`^(\d):(\d):(\d)\t(.+\t.+\t.+\t.+)$`)
	conditionalNewRE  = regexp.MustCompile(`^Mask:0x([0-9a-fA-F]{1,8})(\tCOND_INFO)?$`)
)

// lineScanner reads script lines one at a time, distinguishing a
// clean EOF from a mid-record truncation.
type lineScanner struct {
	s *bufio.Scanner
}

func newLineScanner(r io.Reader) *lineScanner {
	return &lineScanner{s: bufio.NewScanner(r)}
}

// next returns the next raw line (no trailing newline), or an error
// if the script ends before a required line is present.
func (l *lineScanner) next() (string, error) {
	if !l.s.Scan() {
		if err := l.s.Err(); err != nil {
			return "", errors.Wrap(err, "reading script line")
		}
		return "", io.ErrUnexpectedEOF
	}
	return l.s.Text(), nil
}

// ParseScript parses a human-readable ".dsf.txt" script into a File.
// Blank lines and lines starting with ';' are skipped at the
// top level; everything past the first conditional section line
// promotes the whole file to version 3.07.
func ParseScript(r io.Reader) (*File, error) {
	sc := newLineScanner(r)
	f := &File{Version: Version105}

	for {
		rawLine, err := sc.next()
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}

		m := sectionLineRE.FindStringSubmatch(line)
		if m == nil {
			return nil, errors.Errorf("could not parse line: %q", line)
		}
		kind, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, errors.Wrapf(err, "parsing section type in %q", line)
		}
		header := m[2]
		conditional := m[3] != ""

		ctx := SectionContext{Header: header, Bitmask: 7}
		if conditional {
			f.Version = Version307
			condLine, err := sc.next()
			if err != nil {
				return nil, errors.Wrap(err, "reading conditional line")
			}
			condLine = strings.TrimSpace(condLine)
			if err := parseConditionalLine(condLine, &ctx); err != nil {
				return nil, err
			}
		}

		paramLine, err := sc.next()
		if err != nil {
			return nil, errors.Wrap(err, "reading param line")
		}
		ctx.Param = strings.TrimSpace(paramLine)

		section, err := parseSectionScript(byte(kind), ctx, sc)
		if err != nil {
			return nil, err
		}
		f.Sections = append(f.Sections, section)
	}

	return f, nil
}

// parseConditionalLine accepts either the new "Mask:0x.." format or
// the three-flag old format, setting ctx.Bitmask and
// ctx.ConditionalInfo accordingly.
func parseConditionalLine(line string, ctx *SectionContext) error {
	if m := conditionalNewRE.FindStringSubmatch(line); m != nil {
		mask, err := strconv.ParseUint(m[1], 16, 32)
		if err != nil {
			return errors.Wrapf(err, "parsing mask in %q", line)
		}
		ctx.Bitmask = uint32(mask)
		if m[2] != "" {
			info := "COND_INFO"
			ctx.ConditionalInfo = &info
		}
		return nil
	}
	if m := conditionalOldRE.FindStringSubmatch(line); m != nil {
		flag1 := m[1] != "0"
		flag2 := m[2] != "0"
		flag3 := m[3] != "0"
		mask := uint32(0)
		if flag1 {
			mask |= 1 << 0
		}
		if flag3 {
			mask |= 1 << 1
		}
		if flag2 {
			mask |= 1 << 2
		}
		ctx.Bitmask = mask
		info := m[4]
		ctx.ConditionalInfo = &info
		return nil
	}
	return errors.Errorf("could not parse conditional line: %q", line)
}

func parseSectionScript(kind byte, ctx SectionContext, sc *lineScanner) (Section, error) {
	switch kind {
	case 0:
		return parseScriptSectionScript(ctx, sc)
	case 1:
		return parseCopySectionScript(ctx, sc)
	case 3:
		return parseExecuteSectionScript(ctx, sc)
	case 6:
		return parsePersistSectionScript(ctx, sc)
	case 14:
		return parseMessageBoxSectionScript(ctx, sc)
	default:
		return nil, errors.Errorf("unsupported section type: %d", kind)
	}
}

func parseScriptSectionScript(ctx SectionContext, sc *lineScanner) (Section, error) {
	blank, err := sc.next()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(blank) != "" {
		return nil, errors.Errorf("unexpected content: %q", blank)
	}
	startMessage, err := sc.next()
	if err != nil {
		return nil, err
	}
	securityLine, err := sc.next()
	if err != nil {
		return nil, err
	}
	security := !strings.HasPrefix(strings.TrimSpace(securityLine), "0")
	return NewScriptSection(ctx, strings.TrimSpace(startMessage), security), nil
}

func parseCopySectionScript(ctx SectionContext, sc *lineScanner) (Section, error) {
	modeLine, err := sc.next()
	if err != nil {
		return nil, err
	}
	mode, err := strconv.ParseInt(strings.TrimSpace(modeLine), 8, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing copy mode %q", modeLine)
	}

	var files []string
	for {
		line, err := sc.next()
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		files = append(files, trimmed)
	}
	return NewCopySection(ctx, int(mode), files), nil
}

func parseMessageBoxSectionScript(ctx SectionContext, sc *lineScanner) (Section, error) {
	proceedLine, err := sc.next()
	if err != nil {
		return nil, err
	}
	cancelLine, err := sc.next()
	if err != nil {
		return nil, err
	}
	hasProceed := !strings.HasPrefix(strings.TrimSpace(proceedLine), "0")
	hasCancel := !strings.HasPrefix(strings.TrimSpace(cancelLine), "0")

	var messageLines []string
	for {
		line, err := sc.next()
		if err != nil {
			return nil, errors.Wrap(err, "reading message box body")
		}
		if strings.TrimRight(line, "\n") == "~MsgEnd~" {
			break
		}
		messageLines = append(messageLines, line)
	}
	return NewMessageBoxSection(ctx, hasProceed, hasCancel, strings.Join(messageLines, "")), nil
}

func parseExecuteSectionScript(ctx SectionContext, sc *lineScanner) (Section, error) {
	cmdLine, err := sc.next()
	if err != nil {
		return nil, err
	}
	flagLine, err := sc.next()
	if err != nil {
		return nil, err
	}
	flag, err := strconv.ParseUint(strings.TrimSpace(flagLine), 10, 8)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing execute flag %q", flagLine)
	}
	return NewExecuteSection(ctx, strings.TrimSpace(cmdLine), byte(flag)), nil
}

func parsePersistSectionScript(ctx SectionContext, sc *lineScanner) (Section, error) {
	pathLine, err := sc.next()
	if err != nil {
		return nil, err
	}
	keyLine, err := sc.next()
	if err != nil {
		return nil, err
	}
	valueLine, err := sc.next()
	if err != nil {
		return nil, err
	}
	typeLine, err := sc.next()
	if err != nil {
		return nil, err
	}
	dataType, err := strconv.ParseUint(strings.TrimSpace(typeLine), 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing persist data type %q", typeLine)
	}
	return NewPersistSection(
		ctx,
		strings.TrimSpace(pathLine),
		strings.TrimSpace(keyLine),
		strings.TrimSpace(valueLine),
		uint32(dataType),
	), nil
}
