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

// WriteFile serializes the artifact to path. Layout: fixed header, then the
// ModelInfo, TensorIndex, TensorData, and Metadata sections each aligned to
// 64 bytes, then the section directory the header points at.
func (a *Artifact) WriteFile(path string) error {
	data, err := a.encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	return nil
}

func (a *Artifact) encode() ([]byte, error) {
	// Tensor payloads first so the index can carry final offsets.
	var tensorData bytes.Buffer
	records := make([]TensorRecord, len(a.Tensors))
	copy(records, a.Tensors)
	for i := range records {
		pad(&tensorData, sectionAlign)
		records[i].Offset = uint64(tensorData.Len())
		records[i].Size = uint64(len(records[i].Data))
		tensorData.Write(records[i].Data)
	}

	infoJSON, err := json.Marshal(&a.Info)
	if err != nil {
		return nil, fmt.Errorf("encoding model info: %w", err)
	}
	indexJSON, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encoding tensor index: %w", err)
	}
	metaStruct, err := structpb.NewStruct(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	metaBytes, err := proto.Marshal(metaStruct)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	payloads := []struct {
		typ  SectionType
		data []byte
	}{
		{SectionModelInfo, infoJSON},
		{SectionTensorIndex, indexJSON},
		{SectionTensorData, tensorData.Bytes()},
		{SectionMetadata, metaBytes},
	}

	var buf bytes.Buffer
	buf.Write(make([]byte, headerSize))

	sections := make([]section, 0, len(payloads))
	for _, p := range payloads {
		pad(&buf, sectionAlign)
		sections = append(sections, section{
			Type:    uint32(p.typ),
			Version: 1,
			Offset:  uint64(buf.Len()),
			Size:    uint64(len(p.data)),
		})
		buf.Write(p.data)
	}

	pad(&buf, sectionAlign)
	dirOffset := uint64(buf.Len())
	for _, s := range sections {
		if err := binary.Write(&buf, binary.LittleEndian, s); err != nil {
			return nil, fmt.Errorf("writing section directory: %w", err)
		}
	}

	out := buf.Bytes()
	hdr := header{
		Major:            CurrentMajor,
		Minor:            CurrentMinor,
		SectionCount:     uint32(len(sections)),
		SectionDirOffset: dirOffset,
		FileSize:         uint64(len(out)),
	}
	copy(hdr.Magic[:], Magic)
	var hdrBuf bytes.Buffer
	if err := binary.Write(&hdrBuf, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	copy(out[:headerSize], hdrBuf.Bytes())
	return out, nil
}

func pad(buf *bytes.Buffer, align int) {
	if rem := buf.Len() % align; rem != 0 {
		buf.Write(make([]byte, align-rem))
	}
}
