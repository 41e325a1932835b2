// Package colcontainer implements the spill-file primitive the spec calls
// out as an external collaborator (C1 "SpillSet"): creating, appending to,
// reading from, and deleting spill files under a per-operator working
// directory. The core (colexecjoin) only ever calls the operations named in
// spec §6 ("Spill file format"): length-prefixed columnar batches, opaque
// to this package beyond their declared schema.
//
// Adapted from the pattern in the teacher's pkg/sql/colexec/spilling_queue.go
// (a spillingQueue promotes to an on-disk colcontainer.Queue once its
// in-memory budget is exhausted) and pkg/sql/rowcontainer's disk-backed row
// container split between in-memory and on-disk storage. The colcontainer
// package itself is not in the teacher's pack; this is new code written in
// the teacher's idiom, not a ported file.
package colcontainer

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/marusama/semaphore"
	"github.com/vectorsql/hashjoin/coldata"
)

// DiskQueueCfg configures on-disk queues created by a SpillSet.
type DiskQueueCfg struct {
	// BufferSizeBytes sizes the buffered writer wrapping each spill file.
	// Readers always use a fixed 64KiB buffer.
	BufferSizeBytes int
}

// DefaultDiskQueueCfg returns the teacher-style default buffer size (64KiB),
// a conservative amortization of syscalls against spill files.
func DefaultDiskQueueCfg() DiskQueueCfg {
	return DiskQueueCfg{BufferSizeBytes: 64 << 10}
}

// Queue is the append/iterate contract the core drives a spill file through:
// write every batch during one phase, then read every batch back during a
// later phase. Matches the teacher's own comment on spillingQueue: "the
// access pattern must be write-everything then read-everything".
type Queue interface {
	// Enqueue appends batch to the queue. Passing a zero-length batch is a
	// no-op write used by callers that want to record "nothing was ever
	// written" without special-casing it.
	Enqueue(batch *coldata.Batch) error
	// Dequeue reads the next batch into scratch, returning false once the
	// queue is exhausted. scratch's Vecs are reused across calls; batches
	// returned by Dequeue are only valid until the next Dequeue call.
	Dequeue(scratch *coldata.Batch) (bool, error)
	// NumBatchesEnqueued reports how many batches have been written so far.
	NumBatchesEnqueued() int
	// Close releases the queue's file handle. It does not delete the
	// underlying file; deletion is SpillSet's responsibility.
	Close() error
}

// RewindableQueue additionally supports re-reading every enqueued batch from
// the start (the shape of the teacher's newRewindableSpillingQueue). The
// join's partitions create plain Queues; nothing in this module rewinds one.
type RewindableQueue interface {
	Queue
	Rewind() error
}

// fileQueue is the on-disk Queue implementation: one regular file, written
// sequentially as length-prefixed frames, then read back sequentially.
type fileQueue struct {
	typs       []coldata.T
	f          *os.File
	w          *bufio.Writer
	r          *bufio.Reader
	writing    bool
	rewindable bool
	numWritten int
	numRead    int
	dataStart  int64
}

func newFileQueue(f *os.File, typs []coldata.T, cfg DiskQueueCfg, rewindable bool) *fileQueue {
	return &fileQueue{
		typs:       typs,
		f:          f,
		w:          bufio.NewWriterSize(f, cfg.BufferSizeBytes),
		rewindable: rewindable,
		writing:    true,
	}
}

func (q *fileQueue) Enqueue(batch *coldata.Batch) error {
	if !q.writing {
		return errors.AssertionFailedf("cannot enqueue into a fileQueue that has started reading")
	}
	if batch.Length() == 0 {
		return nil
	}
	if err := writeBatch(q.w, q.typs, batch); err != nil {
		return errors.Wrapf(err, "spilling batch to disk")
	}
	q.numWritten++
	return nil
}

func (q *fileQueue) switchToReading() error {
	if err := q.w.Flush(); err != nil {
		return errors.Wrapf(err, "flushing spill file")
	}
	if _, err := q.f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrapf(err, "seeking spill file")
	}
	q.r = bufio.NewReaderSize(q.f, 64<<10)
	q.writing = false
	q.dataStart = 0
	return nil
}

func (q *fileQueue) Dequeue(scratch *coldata.Batch) (bool, error) {
	if q.writing {
		if err := q.switchToReading(); err != nil {
			return false, err
		}
	}
	if q.numRead >= q.numWritten {
		return false, nil
	}
	if err := readBatch(q.r, q.typs, scratch); err != nil {
		return false, errors.Wrapf(err, "reading spilled batch")
	}
	q.numRead++
	return true, nil
}

func (q *fileQueue) NumBatchesEnqueued() int { return q.numWritten }

func (q *fileQueue) Rewind() error {
	if !q.rewindable {
		return errors.AssertionFailedf("fileQueue is not rewindable")
	}
	if q.writing {
		if err := q.switchToReading(); err != nil {
			return err
		}
	}
	if _, err := q.f.Seek(q.dataStart, io.SeekStart); err != nil {
		return errors.Wrapf(err, "rewinding spill file")
	}
	q.r = bufio.NewReaderSize(q.f, 64<<10)
	q.numRead = 0
	return nil
}

func (q *fileQueue) Close() error {
	if q.writing {
		if err := q.w.Flush(); err != nil {
			return errors.Wrapf(err, "flushing spill file on close")
		}
	}
	return q.f.Close()
}

// writeBatch serializes batch as one length-prefixed frame: a uint32 byte
// count followed by a row count and then each column in turn, row by row (a
// one-byte null flag, followed by the value when the row is not null).
func writeBatch(w io.Writer, typs []coldata.T, batch *coldata.Batch) error {
	var buf []byte
	n := batch.Length()
	buf = appendUvarint(buf, uint64(n))
	sel := batch.Selection()
	for i, t := range typs {
		vec := batch.ColVec(i)
		for k := 0; k < n; k++ {
			idx := k
			if sel != nil {
				idx = sel[k]
			}
			if vec.Nulls().NullAt(idx) {
				buf = append(buf, 1)
				continue
			}
			buf = append(buf, 0)
			switch t {
			case coldata.Int64:
				buf = appendUint64(buf, uint64(vec.Int64()[idx]))
			case coldata.Float64:
				buf = appendUint64(buf, math.Float64bits(vec.Float64()[idx]))
			case coldata.Bool:
				if vec.Bool()[idx] {
					buf = append(buf, 1)
				} else {
					buf = append(buf, 0)
				}
			case coldata.Bytes:
				v := vec.Bytes()[idx]
				buf = appendUvarint(buf, uint64(len(v)))
				buf = append(buf, v...)
			}
		}
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// readBatch deserializes one frame written by writeBatch into scratch,
// overwriting its contents and resetting its length/selection.
func readBatch(r io.Reader, typs []coldata.T, scratch *coldata.Batch) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err
	}
	frameLen := binary.BigEndian.Uint32(lenPrefix[:])
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return err
	}
	pos := 0
	n, pos := readUvarint(frame, pos)
	scratch.ResetForReuse()
	scratch.SetSelection(nil)
	for i, t := range typs {
		vec := scratch.ColVec(i)
		for k := 0; k < int(n); k++ {
			isNull := frame[pos]
			pos++
			if isNull == 1 {
				vec.SetNullAt(k)
				continue
			}
			switch t {
			case coldata.Int64:
				var v uint64
				v, pos = readUint64(frame, pos)
				vec.Int64()[k] = int64(v)
			case coldata.Float64:
				var v uint64
				v, pos = readUint64(frame, pos)
				vec.Float64()[k] = math.Float64frombits(v)
			case coldata.Bool:
				vec.Bool()[k] = frame[pos] == 1
				pos++
			case coldata.Bytes:
				var l uint64
				l, pos = readUvarint(frame, pos)
				vec.Bytes()[k] = append([]byte(nil), frame[pos:pos+int(l)]...)
				pos += int(l)
			}
		}
	}
	scratch.SetLength(int(n))
	return nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var scratch [binary.MaxVarintLen64]byte
	m := binary.PutUvarint(scratch[:], v)
	return append(buf, scratch[:m]...)
}

func readUvarint(buf []byte, pos int) (uint64, int) {
	v, m := binary.Uvarint(buf[pos:])
	return v, pos + m
}

func appendUint64(buf []byte, v uint64) []byte {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	return append(buf, scratch[:]...)
}

func readUint64(buf []byte, pos int) (uint64, int) {
	return binary.BigEndian.Uint64(buf[pos : pos+8]), pos + 8
}

// SpillSet owns a per-operator working directory: every spill file any
// Partition creates is tracked here, so that Close deletes the directory and
// everything left in it in one step (spec §3 "Spill files are owned by the
// SpillSet for their lifetime") and invariant 3 ("At DONE, the spill
// directory is empty and SpillSet is closed").
type SpillSet struct {
	mu      sync.Mutex
	dir     string
	cfg     DiskQueueCfg
	files   map[string]*fileQueue
	closed  bool
	onError func(error)
	// fdSem bounds how many spill files may be open at once, the same
	// purpose spillingQueue.fdSemaphore serves for cockroach's disk queues:
	// a join against a wide build side can spill dozens of partitions at
	// once, and an unbounded number of open file descriptors is exactly the
	// kind of resource exhaustion this operator must not inflict on the rest
	// of the process. A nil fdSem (as NewSpillSet leaves it when no limit is
	// requested) disables the bound entirely.
	fdSem semaphore.Semaphore
}

// NewSpillSet creates a fresh working directory under baseDir (os.TempDir if
// baseDir is empty), with no bound on how many spill files it has open at
// once; NewSpillSetWithFDLimit takes that bound.
func NewSpillSet(baseDir string, cfg DiskQueueCfg, onWarning func(error)) (*SpillSet, error) {
	return NewSpillSetWithFDLimit(baseDir, cfg, 0, onWarning)
}

// NewSpillSetWithFDLimit is NewSpillSet with an explicit open-file-descriptor
// bound, acquired (and blocked on, per context, if exhausted) once per spill
// file for the file's entire lifetime -- mirroring spillingQueue's use of
// marusama/semaphore around DiskQueue creation.
func NewSpillSetWithFDLimit(baseDir string, cfg DiskQueueCfg, maxOpenFiles int, onWarning func(error)) (*SpillSet, error) {
	dir, err := os.MkdirTemp(baseDir, "hashjoin-spill-")
	if err != nil {
		return nil, errors.Wrapf(err, "creating spill directory")
	}
	s := &SpillSet{dir: dir, cfg: cfg, files: map[string]*fileQueue{}, onError: onWarning}
	if maxOpenFiles > 0 {
		s.fdSem = semaphore.New(maxOpenFiles)
	}
	return s, nil
}

// Dir returns the working directory this SpillSet owns.
func (s *SpillSet) Dir() string { return s.dir }

// CreateQueue creates a new, write-only-then-read-only spill file named
// name, for batches of the given schema.
func (s *SpillSet) CreateQueue(ctx context.Context, name string, typs []coldata.T) (Queue, error) {
	return s.create(ctx, name, typs, false)
}

// CreateRewindableQueue creates a new spill file that supports Rewind.
func (s *SpillSet) CreateRewindableQueue(ctx context.Context, name string, typs []coldata.T) (RewindableQueue, error) {
	return s.create(ctx, name, typs, true)
}

func (s *SpillSet) create(ctx context.Context, name string, typs []coldata.T, rewindable bool) (*fileQueue, error) {
	if s.fdSem != nil {
		if err := s.fdSem.Acquire(ctx, 1); err != nil {
			return nil, errors.Wrapf(err, "acquiring file descriptor for spill file %s", name)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.fdSem != nil {
			s.fdSem.Release(1)
		}
		return nil, errors.AssertionFailedf("SpillSet is closed")
	}
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		if s.fdSem != nil {
			s.fdSem.Release(1)
		}
		return nil, errors.Wrapf(err, "creating spill file %s", name)
	}
	q := newFileQueue(f, typs, s.cfg, rewindable)
	s.files[name] = q
	return q, nil
}

// DeleteQueue closes and removes the named spill file. The driver calls it
// for a spilled partition it skips because no match is possible; the files
// of replayed partitions are removed by Close.
func (s *SpillSet) DeleteQueue(name string) error {
	s.mu.Lock()
	q, ok := s.files[name]
	if ok {
		delete(s.files, name)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := q.Close(); err != nil {
		s.warn(errors.Wrapf(err, "closing spill file %s before delete", name))
	}
	if s.fdSem != nil {
		s.fdSem.Release(1)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting spill file %s", name)
	}
	return nil
}

// Close closes every remaining open spill file and removes the working
// directory and anything still in it. Per spec §7, during cleanup an I/O
// failure is logged as a warning rather than treated as fatal, and Close is
// idempotent.
func (s *SpillSet) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	files := s.files
	s.files = map[string]*fileQueue{}
	s.mu.Unlock()

	for name, q := range files {
		if err := q.Close(); err != nil {
			s.warn(errors.Wrapf(err, "closing spill file %s during SpillSet close", name))
		}
		if s.fdSem != nil {
			s.fdSem.Release(1)
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		s.warn(errors.Wrapf(err, "removing spill directory %s", s.dir))
		return err
	}
	return nil
}

func (s *SpillSet) warn(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}
