package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const indexMagic uint32 = 0x76736978 // "vsix"

// LabelIndex is an in-memory brute-force vector index keyed by integer labels.
// Deleted labels go to a free list and are handed out again, lowest first,
// before new labels are minted.
type LabelIndex struct {
	dimensions int
	vectors    map[int][]float32
	next       int
	free       []int
	mu         sync.RWMutex
}

// NewLabelIndex creates an empty index for vectors of the given dimension.
func NewLabelIndex(dimensions int) (*LabelIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &LabelIndex{dimensions: dimensions, vectors: make(map[int][]float32)}, nil
}

// Store removes the labels in deletes, then adds vectors and returns their labels.
// When reset is true the index is emptied first and deletes are ignored.
func (m *LabelIndex) Store(vectors [][]float32, deletes []int, reset bool) ([]int, error) {
	for _, v := range vectors {
		if len(v) != m.dimensions {
			return nil, fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(v), m.dimensions)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if reset {
		m.resetLocked()
	} else {
		for _, label := range deletes {
			m.removeLocked(label)
		}
	}

	labels := make([]int, len(vectors))
	for i, v := range vectors {
		label := m.allocLocked()
		vec := make([]float32, m.dimensions)
		copy(vec, v)
		m.vectors[label] = vec
		labels[i] = label
	}
	return labels, nil
}

// Remove deletes the given labels. Unknown labels are ignored.
func (m *LabelIndex) Remove(labels []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, label := range labels {
		m.removeLocked(label)
	}
}

// Reset empties the index and restarts label numbering.
func (m *LabelIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *LabelIndex) resetLocked() {
	m.vectors = make(map[int][]float32)
	m.next = 0
	m.free = nil
}

func (m *LabelIndex) removeLocked(label int) {
	if _, ok := m.vectors[label]; !ok {
		return
	}
	delete(m.vectors, label)
	i := sort.SearchInts(m.free, label)
	m.free = append(m.free, 0)
	copy(m.free[i+1:], m.free[i:])
	m.free[i] = label
}

func (m *LabelIndex) allocLocked() int {
	if len(m.free) > 0 {
		label := m.free[0]
		m.free = m.free[1:]
		return label
	}
	label := m.next
	m.next++
	return label
}

// Search returns k slots of (distance, label) ordered by ascending cosine
// distance, ties by label. Unfilled slots carry NaN and -1.
func (m *LabelIndex) Search(query []float32, k int) ([]float32, []int, error) {
	if len(query) != m.dimensions {
		return nil, nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	if k <= 0 {
		return nil, nil, nil
	}

	m.mu.RLock()
	type scored struct {
		label    int
		distance float32
	}
	scores := make([]scored, 0, len(m.vectors))
	for label, vec := range m.vectors {
		scores = append(scores, scored{label: label, distance: CosineDistance(query, vec)})
	}
	m.mu.RUnlock()

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].distance != scores[j].distance {
			return scores[i].distance < scores[j].distance
		}
		return scores[i].label < scores[j].label
	})

	distances := make([]float32, k)
	labels := make([]int, k)
	for i := 0; i < k; i++ {
		if i < len(scores) {
			distances[i] = scores[i].distance
			labels[i] = scores[i].label
			continue
		}
		distances[i] = float32(math.NaN())
		labels[i] = -1
	}
	return distances, labels, nil
}

// Size returns the number of stored vectors.
func (m *LabelIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

// Labels reports the next label to be minted and the number of reusable labels.
func (m *LabelIndex) Labels() (next, free int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.next, len(m.free)
}

// Dimensions returns the vector dimension.
func (m *LabelIndex) Dimensions() int {
	return m.dimensions
}

// Save persists the index to path via a temp file and rename. Format: magic,
// dimension, next label, count (uint32 each), then per vector its label (uint32)
// and dimension*4 bytes of little-endian float32.
func (m *LabelIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	w := bufio.NewWriter(f)
	header := []uint32{indexMagic, uint32(m.dimensions), uint32(m.next), uint32(len(m.vectors))}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	labels := make([]int, 0, len(m.vectors))
	for label := range m.vectors {
		labels = append(labels, label)
	}
	sort.Ints(labels)
	for _, label := range labels {
		if err := binary.Write(w, binary.LittleEndian, uint32(label)); err != nil {
			f.Close()
			return fmt.Errorf("write label: %w", err)
		}
		if _, err := w.Write(float32SliceToBytes(m.vectors[label])); err != nil {
			f.Close()
			return fmt.Errorf("write vector: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush index file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename index file: %w", err)
	}
	return nil
}

// Load replaces the index contents with the file at path. A missing file leaves
// the index unchanged and returns no error. Labels below the saved next label
// that hold no vector become the free list.
func (m *LabelIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	header := make([]uint32, 4)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if header[0] != indexMagic {
		return fmt.Errorf("not an index file: %s", path)
	}
	if int(header[1]) != m.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", header[1], m.dimensions)
	}
	next, n := int(header[2]), int(header[3])

	vectors := make(map[int][]float32, n)
	buf := make([]byte, m.dimensions*4)
	for i := 0; i < n; i++ {
		var label uint32
		if err := binary.Read(r, binary.LittleEndian, &label); err != nil {
			return fmt.Errorf("read label: %w", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		if int(label) >= next {
			return fmt.Errorf("label %d beyond next label %d", label, next)
		}
		vectors[int(label)] = bytesToFloat32Slice(buf)
	}
	var free []int
	for label := 0; label < next; label++ {
		if _, ok := vectors[label]; !ok {
			free = append(free, label)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors = vectors
	m.next = next
	m.free = free
	return nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
