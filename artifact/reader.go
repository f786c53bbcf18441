package artifact

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReadFile parses an artifact from disk, validating the magic, version, and
// section directory before decoding sections.
func ReadFile(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (*Artifact, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: file shorter than header", ErrCorruptFile)
	}
	var hdr header
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	if string(hdr.Magic[:]) != Magic {
		return nil, ErrInvalidMagic
	}
	if hdr.Major != CurrentMajor {
		return nil, fmt.Errorf("%w: file is v%d, reader supports v%d", ErrUnsupportedVersion, hdr.Major, CurrentMajor)
	}
	if hdr.FileSize != uint64(len(data)) {
		return nil, fmt.Errorf("%w: header claims %d bytes, file has %d", ErrCorruptFile, hdr.FileSize, len(data))
	}

	dirEnd := hdr.SectionDirOffset + uint64(hdr.SectionCount)*entrySize
	if hdr.SectionDirOffset < headerSize || dirEnd > uint64(len(data)) {
		return nil, fmt.Errorf("%w: section directory out of bounds", ErrCorruptFile)
	}
	sections := make([]section, hdr.SectionCount)
	dir := bytes.NewReader(data[hdr.SectionDirOffset:dirEnd])
	if err := binary.Read(dir, binary.LittleEndian, sections); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}

	byType := make(map[SectionType][]byte, len(sections))
	for _, s := range sections {
		end := s.Offset + s.Size
		if s.Offset < headerSize || end > uint64(len(data)) || end < s.Offset {
			return nil, fmt.Errorf("%w: section %d out of bounds", ErrCorruptFile, s.Type)
		}
		byType[SectionType(s.Type)] = data[s.Offset:end]
	}
	for _, required := range []SectionType{SectionModelInfo, SectionTensorIndex, SectionTensorData} {
		if _, ok := byType[required]; !ok {
			return nil, fmt.Errorf("%w: missing section %d", ErrCorruptFile, required)
		}
	}

	a := &Artifact{}
	if err := json.Unmarshal(byType[SectionModelInfo], &a.Info); err != nil {
		return nil, fmt.Errorf("%w: model info: %v", ErrCorruptFile, err)
	}
	if err := json.Unmarshal(byType[SectionTensorIndex], &a.Tensors); err != nil {
		return nil, fmt.Errorf("%w: tensor index: %v", ErrCorruptFile, err)
	}

	tensorData := byType[SectionTensorData]
	for i := range a.Tensors {
		rec := &a.Tensors[i]
		end := rec.Offset + rec.Size
		if end > uint64(len(tensorData)) || end < rec.Offset {
			return nil, fmt.Errorf("%w: tensor %q payload out of bounds", ErrCorruptFile, rec.Name)
		}
		rec.Data = tensorData[rec.Offset:end]
	}

	if metaBytes, ok := byType[SectionMetadata]; ok {
		var metaStruct structpb.Struct
		if err := proto.Unmarshal(metaBytes, &metaStruct); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptFile, err)
		}
		a.Metadata = metaStruct.AsMap()
	}
	return a, nil
}
