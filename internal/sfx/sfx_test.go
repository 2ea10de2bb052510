package sfx

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchive map[string][]byte

func (a fakeArchive) ReadFile(name string) ([]byte, error) { return a[name], nil }
func (a fakeArchive) FileSize(name string) (int64, error)  { return int64(len(a[name])), nil }

func simpleFile() *File {
	script := NewScriptSection(SectionContext{Header: "Welcome"}, "Starting transfer", true)
	box := NewMessageBoxSection(SectionContext{Header: "Done"}, true, false, "All done!")
	return &File{Version: Version105, Sections: []Section{script, box}}
}

func TestWriteThenReadBinaryRoundTrip(t *testing.T) {
	f := simpleFile()
	sec := SecurityContext{Cycle: "2401", VolumeID: 0x1234, RemainingTransfers: 2}

	var buf bytes.Buffer
	require.NoError(t, f.WriteBinary(&buf, nil, sec, nil))

	got, err := ReadBinary(&buf)
	require.NoError(t, err)
	require.Len(t, got.Sections, 2)

	script, ok := got.Sections[0].(*ScriptSection)
	require.True(t, ok)
	assert.Equal(t, "Starting transfer", script.StartMessage)
	assert.True(t, script.Security)
	assert.Equal(t, "2401 Welcome", script.Context().Header)

	box, ok := got.Sections[1].(*MessageBoxSection)
	require.True(t, ok)
	assert.Equal(t, "All done!", box.Message)
	assert.True(t, box.HasProceed)
	assert.False(t, box.HasCancel)
}

func TestWriteBinaryBadMagicRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("not an sfx file at all")
	_, err := ReadBinary(&buf)
	var malformed MalformedSFX
	assert.ErrorAs(t, err, &malformed)
}

func TestCopySectionRoundTripsThroughArchive(t *testing.T) {
	archive := fakeArchive{"data/file.bin": []byte("hello jeppesen world")}
	copySection := NewCopySection(SectionContext{Header: "Copy"}, 0o755, []string{"data/file.bin"})
	f := &File{Version: Version105, Sections: []Section{copySection}}

	var buf bytes.Buffer
	require.NoError(t, f.WriteBinary(&buf, archive, SecurityContext{Cycle: "2401"}, nil))

	got, err := ReadBinary(&buf)
	require.NoError(t, err)
	require.Len(t, got.Sections, 1)
	gotCopy, ok := got.Sections[0].(*CopySection)
	require.True(t, ok)
	assert.Equal(t, []string{"file.bin"}, gotCopy.Files)
	assert.Equal(t, 0o755, gotCopy.Mode)
}

func TestParseScriptSimple(t *testing.T) {
	script := "0 Welcome\n\nStarting transfer\n1\n" +
		"1 Copy files\n0755\ndata/file.bin\n\n"
	f, err := ParseScript(bytes.NewBufferString(script))
	require.NoError(t, err)
	require.Len(t, f.Sections, 2)

	s0, ok := f.Sections[0].(*ScriptSection)
	require.True(t, ok)
	assert.Equal(t, "Starting transfer", s0.StartMessage)
	assert.True(t, s0.Security)

	s1, ok := f.Sections[1].(*CopySection)
	require.True(t, ok)
	assert.Equal(t, []string{"data/file.bin"}, s1.Files)
	assert.Equal(t, 0o755, s1.Mode)
}

func TestParseScriptSkipsBlankAndCommentLines(t *testing.T) {
	script := "; a comment\n\n0 Welcome\n\nHi\n0\n"
	f, err := ParseScript(bytes.NewBufferString(script))
	require.NoError(t, err)
	require.Len(t, f.Sections, 1)
}

func TestApplyFleetSubstitutionReplacesTailNumField(t *testing.T) {
	info := "1\tTAIL_NUM\tsome\told"
	ctx := SectionContext{Header: "Tail", ConditionalInfo: &info}
	section := NewExecuteSection(ctx, "run.exe", 0)
	f := &File{Version: Version307, Sections: []Section{section}}

	f.ApplyFleetSubstitution([]string{"N12345"})
	assert.Equal(t, "1\tTAIL_NUM\tsome\tN12345", *section.Context().ConditionalInfo)
}

func TestApplyFleetSubstitutionSkipsNonTailNumSections(t *testing.T) {
	info := "1\tOTHER\tsome\told"
	ctx := SectionContext{Header: "Other", ConditionalInfo: &info}
	section := NewExecuteSection(ctx, "run.exe", 0)
	f := &File{Version: Version307, Sections: []Section{section}}

	f.ApplyFleetSubstitution([]string{"N12345"})
	assert.Equal(t, "1\tOTHER\tsome\told", *section.Context().ConditionalInfo)
}
