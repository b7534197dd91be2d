package vector

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cuemby/loam/pkg/types"
	"github.com/edsrzf/mmap-go"
)

// On-disk layout per segment:
//
//	<segment-id>.tar            payload archive (immutable)
//	  vectors.bin               float32 little-endian payload
//	  segment.json              dimension, counts, format version
//	  graph.bin                 HNSW links, present only for graph segments
//	<segment-id>.uuids.table    stable external-id table (immutable)
//	<segment-id>.deleted.bitset packed deleted offsets (rewritten in place)
//
// Restoring untars the archive next to itself and memory-maps the payload
// and the id table; the bitset, the one artifact that changes, and the
// graph of a graph segment are read into the heap.

const (
	archiveVectorsName = "vectors.bin"
	archiveMetaName    = "segment.json"
	archiveGraphName   = "graph.bin"
)

type segmentMeta struct {
	Dimension     int    `json:"dimension"`
	NumVectors    uint32 `json:"num_vectors"`
	FormatVersion int    `json:"format_version"`
	HasGraph      bool   `json:"has_graph"`
}

// WriteSegment persists a built segment into dir and returns its handles.
func WriteSegment(dir string, seg *ImmutableSegment) (StorageHandles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StorageHandles{}, fmt.Errorf("failed to create segment directory: %w", err)
	}
	base := seg.id.String()
	handles := StorageHandles{
		Archive:       base + ".tar",
		IDTable:       base + ".uuids.table",
		DeletedBitset: base + ".deleted.bitset",
	}

	if err := writeArchive(filepath.Join(dir, handles.Archive), seg); err != nil {
		return StorageHandles{}, err
	}
	if err := writeIDTable(filepath.Join(dir, handles.IDTable), seg.ids); err != nil {
		return StorageHandles{}, err
	}
	if err := WriteBitset(filepath.Join(dir, handles.DeletedBitset), seg.deleted); err != nil {
		return StorageHandles{}, err
	}
	return handles, nil
}

func writeArchive(path string, seg *ImmutableSegment) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create segment archive: %w", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)

	payload := make([]byte, len(seg.vectors)*4)
	for i, v := range seg.vectors {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(v))
	}
	if err := writeTarFile(tw, archiveVectorsName, payload); err != nil {
		return err
	}

	meta, err := json.Marshal(segmentMeta{
		Dimension:     seg.dim,
		NumVectors:    seg.NumVectors(),
		FormatVersion: SegmentFormatVersion,
		HasGraph:      seg.graph != nil,
	})
	if err != nil {
		return err
	}
	if err := writeTarFile(tw, archiveMetaName, meta); err != nil {
		return err
	}

	if seg.graph != nil {
		if err := writeTarFile(tw, archiveGraphName, encodeGraph(seg.graph)); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize segment archive: %w", err)
	}
	return f.Sync()
}

func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func writeIDTable(path string, ids []types.InternalID) error {
	buf := make([]byte, 4+len(ids)*16)
	binary.LittleEndian.PutUint32(buf, uint32(len(ids)))
	for i, id := range ids {
		copy(buf[4+i*16:], id[:])
	}
	return os.WriteFile(path, buf, 0o644)
}

// WriteBitset rewrites a segment's deleted-bitset in place.
func WriteBitset(path string, bitset *roaring.Bitmap) error {
	data, err := bitset.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to serialize deleted bitset: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadBitset loads a segment's deleted-bitset.
func ReadBitset(path string) (*roaring.Bitmap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deleted bitset: %w", err)
	}
	bitset := roaring.New()
	if err := bitset.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to decode deleted bitset: %w", err)
	}
	return bitset, nil
}

// RestoreSegment reopens a persisted segment from dir: the archive is
// unpacked adjacent to itself, the payload and id table are memory-mapped,
// and the bitset is loaded.
func RestoreSegment(dir string, frag FragmentedSegment) (*ImmutableSegment, error) {
	unpacked := filepath.Join(dir, strings.TrimSuffix(frag.Handles.Archive, ".tar"))
	if err := untar(filepath.Join(dir, frag.Handles.Archive), unpacked); err != nil {
		return nil, err
	}

	metaRaw, err := os.ReadFile(filepath.Join(unpacked, archiveMetaName))
	if err != nil {
		return nil, fmt.Errorf("failed to read segment metadata: %w", err)
	}
	var meta segmentMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode segment metadata: %w", err)
	}
	if meta.FormatVersion != frag.FormatVersion {
		return nil, fmt.Errorf("segment %s format version %d does not match recorded %d",
			frag.ID, meta.FormatVersion, frag.FormatVersion)
	}

	vectors, err := mmapFloat32s(filepath.Join(unpacked, archiveVectorsName), int(meta.NumVectors)*meta.Dimension)
	if err != nil {
		return nil, err
	}
	ids, err := mmapIDTable(filepath.Join(dir, frag.Handles.IDTable), int(meta.NumVectors))
	if err != nil {
		return nil, err
	}
	bitset, err := ReadBitset(filepath.Join(dir, frag.Handles.DeletedBitset))
	if err != nil {
		return nil, err
	}

	seg := &ImmutableSegment{
		id:      frag.ID,
		dim:     meta.Dimension,
		vectors: vectors,
		ids:     ids,
		byID:    make(map[types.InternalID]uint32, len(ids)),
		deleted: bitset,
	}
	for offset, id := range ids {
		seg.byID[id] = uint32(offset)
	}

	if meta.HasGraph {
		raw, err := os.ReadFile(filepath.Join(unpacked, archiveGraphName))
		if err != nil {
			return nil, fmt.Errorf("failed to read segment graph: %w", err)
		}
		graph, err := decodeGraph(raw)
		if err != nil {
			return nil, err
		}
		seg.graph = graph
	}
	return seg, nil
}

func untar(archivePath, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create unpack directory: %w", err)
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open segment archive: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read segment archive: %w", err)
		}
		name := filepath.Base(hdr.Name)
		out, err := os.Create(filepath.Join(dest, name))
		if err != nil {
			return fmt.Errorf("failed to unpack %s: %w", name, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			_ = out.Close()
			return fmt.Errorf("failed to unpack %s: %w", name, err)
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}

func mmapFloat32s(path string, count int) ([]float32, error) {
	data, err := mmapFile(path, count*4)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), count), nil
}

func mmapIDTable(path string, count int) ([]types.InternalID, error) {
	data, err := mmapFile(path, 4+count*16)
	if err != nil {
		return nil, err
	}
	if got := binary.LittleEndian.Uint32(data); int(got) != count {
		return nil, fmt.Errorf("id table %s holds %d ids, expected %d", path, got, count)
	}
	if count == 0 {
		return nil, nil
	}
	return unsafe.Slice((*types.InternalID)(unsafe.Pointer(&data[4])), count), nil
}

func mmapFile(path string, wantLen int) (mmap.MMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < int64(wantLen) {
		return nil, fmt.Errorf("%s is %d bytes, expected at least %d", path, info.Size(), wantLen)
	}
	if info.Size() == 0 {
		return nil, nil
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %s: %w", path, err)
	}
	return data, nil
}

// Graph codec: a flat little-endian encoding of the layer adjacency lists.

func encodeGraph(g *hnswGraph) []byte {
	var buf bytes.Buffer
	writeU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	writeU32(uint32(len(g.layers)))
	writeU32(g.entryPoint)
	for _, layer := range g.layers {
		writeU32(uint32(len(layer)))
		for node, neighbors := range layer {
			writeU32(node)
			writeU32(uint32(len(neighbors)))
			for _, n := range neighbors {
				writeU32(n)
			}
		}
	}
	return buf.Bytes()
}

func decodeGraph(raw []byte) (*hnswGraph, error) {
	pos := 0
	readU32 := func() (uint32, error) {
		if pos+4 > len(raw) {
			return 0, fmt.Errorf("truncated segment graph")
		}
		v := binary.LittleEndian.Uint32(raw[pos:])
		pos += 4
		return v, nil
	}

	numLayers, err := readU32()
	if err != nil {
		return nil, err
	}
	entry, err := readU32()
	if err != nil {
		return nil, err
	}
	g := &hnswGraph{
		params:     defaultHNSWParams(),
		entryPoint: entry,
		maxLevel:   int(numLayers) - 1,
		layers:     make([]map[uint32][]uint32, numLayers),
	}
	for l := range g.layers {
		numNodes, err := readU32()
		if err != nil {
			return nil, err
		}
		layer := make(map[uint32][]uint32, numNodes)
		for i := uint32(0); i < numNodes; i++ {
			node, err := readU32()
			if err != nil {
				return nil, err
			}
			degree, err := readU32()
			if err != nil {
				return nil, err
			}
			neighbors := make([]uint32, degree)
			for j := range neighbors {
				if neighbors[j], err = readU32(); err != nil {
					return nil, err
				}
			}
			layer[node] = neighbors
		}
		g.layers[l] = layer
	}
	return g, nil
}
