package bindpack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Multi-architecture container layout (little endian):
//
//	magic   [8]byte  "BPKSLICE"
//	version uint32   1
//	count   uint32
//	count × { archLen uint16, arch [archLen]byte, offset uint64, length uint64 }
//	padding to 16 bytes, then each slice 16-byte aligned in table order
//
// Slices are sorted by architecture name, so equal inputs give equal bytes.
const (
	sliceMagic         = "BPKSLICE"
	sliceFormatVersion = 1
	sliceAlign         = 16
	sliceEntryMinLen   = 2 + 8 + 8
)

// WriteSliceContainer concatenates the artifacts into one container and
// returns its slice table. Every artifact must have a distinct Arch.
func WriteSliceContainer(w io.Writer, artifacts []*Artifact) ([]Slice, error) {
	if len(artifacts) == 0 {
		return nil, errors.New("slice container needs at least one artifact")
	}

	sorted := append([]*Artifact(nil), artifacts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Target.Arch < sorted[j].Target.Arch })

	headerLen := int64(len(sliceMagic) + 4 + 4)
	for i, artifact := range sorted {
		if i > 0 && sorted[i-1].Target.Arch == artifact.Target.Arch {
			return nil, fmt.Errorf("architecture %s appears twice", artifact.Target.Arch)
		}
		if len(artifact.Target.Arch) > 0xffff {
			return nil, fmt.Errorf("architecture name too long")
		}
		headerLen += int64(2 + len(artifact.Target.Arch) + 8 + 8)
	}

	slices := make([]Slice, len(sorted))
	offset := align(headerLen)
	for i, artifact := range sorted {
		slices[i] = Slice{
			Arch:     artifact.Target.Arch,
			Offset:   offset,
			Length:   int64(len(artifact.Content)),
			Checksum: artifact.Checksum,
		}
		offset = align(offset + slices[i].Length)
	}

	var header bytes.Buffer
	header.WriteString(sliceMagic)
	_ = binary.Write(&header, binary.LittleEndian, uint32(sliceFormatVersion))
	_ = binary.Write(&header, binary.LittleEndian, uint32(len(slices)))
	for _, s := range slices {
		_ = binary.Write(&header, binary.LittleEndian, uint16(len(s.Arch)))
		header.WriteString(s.Arch)
		_ = binary.Write(&header, binary.LittleEndian, uint64(s.Offset))
		_ = binary.Write(&header, binary.LittleEndian, uint64(s.Length))
	}

	written := int64(0)
	write := func(p []byte) error {
		n, err := w.Write(p)
		written += int64(n)
		return err
	}
	if err := write(header.Bytes()); err != nil {
		return nil, err
	}
	for i, s := range slices {
		if err := write(make([]byte, s.Offset-written)); err != nil {
			return nil, err
		}
		if err := write(sorted[i].Content); err != nil {
			return nil, err
		}
	}
	return slices, nil
}

// ReadSliceTable parses the slice table of a container.
func ReadSliceTable(data []byte) ([]Slice, error) {
	r := bytes.NewReader(data)

	magic := make([]byte, len(sliceMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != sliceMagic {
		return nil, errors.New("not a slice container")
	}

	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != sliceFormatVersion {
		return nil, fmt.Errorf("unsupported slice container version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read slice count: %w", err)
	}

	// Each entry takes at least sliceEntryMinLen bytes of the table.
	slices := make([]Slice, 0, min(int(count), r.Len()/sliceEntryMinLen))
	for i := uint32(0); i < count; i++ {
		var archLen uint16
		if err := binary.Read(r, binary.LittleEndian, &archLen); err != nil {
			return nil, fmt.Errorf("read slice %d: %w", i, err)
		}
		arch := make([]byte, archLen)
		if _, err := io.ReadFull(r, arch); err != nil {
			return nil, fmt.Errorf("read slice %d: %w", i, err)
		}
		var offset, length uint64
		if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
			return nil, fmt.Errorf("read slice %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("read slice %d: %w", i, err)
		}
		if size := uint64(len(data)); offset > size || length > size-offset {
			return nil, fmt.Errorf("slice %s exceeds container", arch)
		}
		s := Slice{Arch: string(arch), Offset: int64(offset), Length: int64(length)}
		s.Checksum = sha256Hex(data[s.Offset : s.Offset+s.Length])
		slices = append(slices, s)
	}
	return slices, nil
}

// ExtractSlice returns the bytes of arch from a container.
func ExtractSlice(data []byte, arch string) ([]byte, error) {
	slices, err := ReadSliceTable(data)
	if err != nil {
		return nil, err
	}
	for _, s := range slices {
		if s.Arch == arch {
			return data[s.Offset : s.Offset+s.Length], nil
		}
	}
	return nil, fmt.Errorf("container has no %s slice", arch)
}

// FormatSliceTable renders a slice table as tab separated text.
func FormatSliceTable(slices []Slice) string {
	var b strings.Builder
	b.WriteString("arch\toffset\tlength\n")
	for _, s := range slices {
		fmt.Fprintf(&b, "%s\t%d\t%d\n", s.Arch, s.Offset, s.Length)
	}
	return b.String()
}

func align(n int64) int64 {
	return (n + sliceAlign - 1) / sliceAlign * sliceAlign
}
