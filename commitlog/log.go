// Package commitlog implements CoreDB's write-ahead log: an append-only,
// segmented, CRC-framed record stream that fronts the memtable and is
// replayed on startup before any flushed SSTable state is trusted to be
// complete.
package commitlog

import (
	"bytes"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kolibridb/coredb/corerr"
)

// FsyncPolicy controls how aggressively Append durably persists records.
// PerAppend fsyncs after every record (strong durability, higher latency).
// Batched accumulates writes for IntervalMillis and fsyncs once per batch,
// with at most one outstanding batch in flight at a time.
type FsyncPolicy struct {
	Batched        bool
	IntervalMillis int
}

func PerAppendPolicy() FsyncPolicy { return FsyncPolicy{} }

func BatchedPolicy(intervalMillis int) FsyncPolicy {
	if intervalMillis <= 0 {
		intervalMillis = 5
	}
	return FsyncPolicy{Batched: true, IntervalMillis: intervalMillis}
}

type appendRequest struct {
	op          OpKind
	payload     []byte
	done        chan appendResult
	reservedSeq uint64
}

type appendResult struct {
	sequence uint64
	err      error
}

// CommitLog is the single-writer, many-replay-capable append log for one
// data directory.
type CommitLog struct {
	dir          string
	policy       FsyncPolicy
	fsyncTimeout time.Duration

	seg *segmentWriter
	seq atomic.Uint64

	ch      chan *appendRequest
	closeCh chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool

	readOnly atomic.Bool
}

// options collects Open's configuration before the CommitLog (and its
// segment writer, which needs maxSegmentBytes at construction time) exists.
type options struct {
	maxSegmentBytes int64
	policy          FsyncPolicy
	fsyncTimeout    time.Duration
}

// Option configures Open.
type Option func(*options)

func WithMaxSegmentBytes(n int64) Option {
	return func(o *options) { o.maxSegmentBytes = n }
}

func WithFsyncPolicy(p FsyncPolicy) Option {
	return func(o *options) { o.policy = p }
}

func WithFsyncTimeout(d time.Duration) Option {
	return func(o *options) { o.fsyncTimeout = d }
}

// Open creates or recovers the commit log rooted at dir, restoring the
// sequence counter from the highest sequence found on disk (max(disk_last)+1),
// then starts the single background writer goroutine.
func Open(dir string, opts ...Option) (*CommitLog, error) {
	o := &options{maxSegmentBytes: defaultMaxSegmentBytes}
	for _, opt := range opts {
		opt(o)
	}

	seg, err := newSegmentWriter(dir, o.maxSegmentBytes)
	if err != nil {
		return nil, err
	}

	cl := &CommitLog{
		dir:          dir,
		policy:       o.policy,
		fsyncTimeout: o.fsyncTimeout,
		seg:          seg,
		ch:           make(chan *appendRequest, 256),
		closeCh:      make(chan struct{}),
	}

	maxSeq, err := highestSequence(dir)
	if err != nil {
		return nil, err
	}
	cl.seq.Store(maxSeq)

	cl.wg.Add(1)
	go cl.loop()

	return cl, nil
}

func highestSequence(dir string) (uint64, error) {
	files, err := segmentFiles(dir)
	if err != nil {
		return 0, corerr.Wrap(corerr.KindIO, "commitlog: list segments", err)
	}

	var max uint64
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return 0, corerr.Wrap(corerr.KindIO, "commitlog: open segment for recovery scan", err)
		}

		for {
			rec, err := Decode(f)
			if err == io.EOF {
				break
			}
			if err != nil {
				// A mid-file corruption while scanning for the sequence high
				// watermark is not fatal here: stop scanning this segment,
				// the replay pass (driven separately) will surface it.
				break
			}
			if rec.Sequence > max {
				max = rec.Sequence
			}
		}
		f.Close()
	}

	return max, nil
}

func (cl *CommitLog) loop() {
	defer cl.wg.Done()

	if cl.policy.Batched {
		cl.batchedLoop()
		return
	}
	cl.perAppendLoop()
}

func (cl *CommitLog) perAppendLoop() {
	for {
		select {
		case req := <-cl.ch:
			cl.handle(req, true)
		case <-cl.closeCh:
			cl.drain()
			return
		}
	}
}

func (cl *CommitLog) batchedLoop() {
	ticker := time.NewTicker(time.Duration(cl.policy.IntervalMillis) * time.Millisecond)
	defer ticker.Stop()

	var pending []*appendRequest

	flush := func() {
		if len(pending) == 0 {
			return
		}
		err := cl.syncSegment()
		for _, p := range pending {
			p.done <- appendResult{sequence: p.reservedSeq, err: err}
		}
		pending = pending[:0]
	}

	for {
		select {
		case req := <-cl.ch:
			res := cl.writeOnly(req)
			if res.err != nil {
				req.done <- res
				continue
			}
			req.reservedSeq = res.sequence
			pending = append(pending, req)
		case <-ticker.C:
			flush()
		case <-cl.closeCh:
			for {
				select {
				case req := <-cl.ch:
					res := cl.writeOnly(req)
					if res.err == nil {
						req.reservedSeq = res.sequence
						pending = append(pending, req)
					} else {
						req.done <- res
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (cl *CommitLog) drain() {
	for {
		select {
		case req := <-cl.ch:
			cl.handle(req, true)
		default:
			return
		}
	}
}

// handle writes a record and, if sync is true, fsyncs before replying.
func (cl *CommitLog) handle(req *appendRequest, sync bool) {
	res := cl.writeOnly(req)
	if res.err == nil && sync {
		if err := cl.syncSegment(); err != nil {
			res.err = err
		}
	}
	req.done <- res
}

// writeOnly reserves the next sequence number and encodes the record, but
// does not fsync.
func (cl *CommitLog) writeOnly(req *appendRequest) appendResult {
	seq := cl.seq.Add(1)
	rec := Record{Sequence: seq, Op: req.op, Payload: req.payload}

	var buf bytes.Buffer
	if err := Encode(&buf, rec); err != nil {
		return appendResult{err: corerr.Wrap(corerr.KindIO, "commitlog: encode record", err)}
	}

	err := cl.seg.write(buf.Len(), func(w io.Writer) error {
		_, werr := w.Write(buf.Bytes())
		return werr
	})
	if err != nil {
		return appendResult{err: err}
	}

	return appendResult{sequence: seq}
}

func (cl *CommitLog) syncSegment() error {
	if cl.fsyncTimeout <= 0 {
		return cl.seg.sync()
	}

	done := make(chan error, 1)
	go func() { done <- cl.seg.sync() }()

	select {
	case err := <-done:
		return err
	case <-time.After(cl.fsyncTimeout):
		cl.readOnly.Store(true)
		return corerr.New(corerr.KindIOTimeout, "commitlog: fsync exceeded deadline")
	}
}

// Append durably appends one mutation record, returning its assigned
// sequence number. A successful return implies the mutation is durable in
// the log, subject to the configured fsync policy. Failure is fatal: the
// caller (the engine) must transition to read-only.
func (cl *CommitLog) Append(op OpKind, payload []byte) (uint64, error) {
	if cl.closed.Load() {
		return 0, corerr.New(corerr.KindIO, "commitlog: closed")
	}
	if cl.readOnly.Load() {
		return 0, corerr.New(corerr.KindIOTimeout, "commitlog: read-only after fsync timeout")
	}

	req := &appendRequest{op: op, payload: payload, done: make(chan appendResult, 1)}

	select {
	case cl.ch <- req:
	case <-cl.closeCh:
		return 0, corerr.New(corerr.KindIO, "commitlog: closed")
	}

	res := <-req.done
	return res.sequence, res.err
}

// ReadOnly reports whether a prior fsync timeout has latched the log into
// read-only mode.
func (cl *CommitLog) ReadOnly() bool { return cl.readOnly.Load() }

// Replay yields every record with Sequence >= fromSequence across every
// segment file, in sequence order. It stops at the first truncated record
// at end-of-file without error (a crash boundary); a corrupted record in
// the middle of an otherwise-readable segment yields a KindCorruption error
// and stops.
func (cl *CommitLog) Replay(fromSequence uint64) iter.Seq2[Record, error] {
	dir := cl.dir
	return func(yield func(Record, error) bool) {
		files, err := segmentFiles(dir)
		if err != nil {
			yield(Record{}, corerr.Wrap(corerr.KindIO, "commitlog: list segments", err))
			return
		}

		for _, path := range files {
			f, err := os.Open(path)
			if err != nil {
				yield(Record{}, corerr.Wrap(corerr.KindIO, "commitlog: open segment", err))
				return
			}

			for {
				rec, err := Decode(f)
				if err == io.EOF {
					break
				}
				if err != nil {
					f.Close()
					yield(Record{}, err)
					return
				}
				if rec.Sequence < fromSequence {
					continue
				}
				if !yield(rec, nil) {
					f.Close()
					return
				}
			}
			f.Close()
		}
	}
}

// Segments lists the numeric ids of every segment file currently on disk,
// ascending.
func (cl *CommitLog) Segments() ([]int, error) {
	files, err := segmentFiles(cl.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(files))
	for _, path := range files {
		base := filepath.Base(path)
		m := segmentFileNamePattern.FindStringSubmatch(base)
		if len(m) != 2 {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		ids = append(ids, id)
	}
	return ids, nil
}

// RemoveSegment deletes a retired, non-active segment file. Callers must
// ensure every memtable whose mutations the segment holds has already been
// flushed to an SSTable.
func (cl *CommitLog) RemoveSegment(id int) error {
	if id == cl.seg.currentID() {
		return corerr.New(corerr.KindIO, "commitlog: refusing to remove active segment")
	}
	path := filepath.Join(cl.dir, segmentName(id))
	if err := os.Remove(path); err != nil {
		return corerr.Wrap(corerr.KindIO, "commitlog: remove segment", err)
	}
	return nil
}

func segmentName(id int) string {
	return "segment-" + pad6(id) + segmentFileExt
}

func pad6(id int) string {
	s := strconv.Itoa(id)
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}

// Close flushes any pending batch, stops the background writer, and closes
// the active segment file.
func (cl *CommitLog) Close() error {
	if cl.closed.Swap(true) {
		return nil
	}
	close(cl.closeCh)
	cl.wg.Wait()
	return cl.seg.close()
}
