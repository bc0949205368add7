// Package journal implements the append-only write-ahead log of
// B-tree updates: entries in a ring of blocks on one device, replay on
// mount with blacklisted-sequence handling, and reservation-based
// backpressure. Entries are not replicated to other devices.
//
// Entries carry dense, monotonically increasing sequence numbers; a
// sequence is durable only once its slot has been synced, and a
// blacklisted sequence is never replayed.
package journal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mstenber/cowfs/checksum"
	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/mlog"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/txn"
	"github.com/mstenber/cowfs/wire"
)

const entryMagic uint64 = 0x4a524e4c5f664653 // "JRNL_fFS" ASCII-derived

// ringMagic tags the on-disk envelope one ring slot carries, distinct
// from entryMagic (the Entry's own header field) so a corrupt/never-
// written slot is distinguishable from a valid one at the envelope
// layer before the payload is even decoded.
const ringMagic uint64 = 0x4a524e475f534c4f // "JRNG_SLO" ASCII-derived

// onDiskEntry is the magic+checksum+payload envelope one ring slot
// carries, mirroring superblock.onDiskRecord.
type onDiskEntry struct {
	Magic    uint64
	Checksum uint64
	Payload  []byte
}

// EntryRecord is one packed update record, one per txn.Update.
type EntryRecord struct {
	BTreeID fskey.BTreeID
	Key     fskey.Key
	Delete  bool
}

// Entry is one journal entry.
type Entry struct {
	Magic      uint64
	Seq        uint64
	LastSeq    uint64
	Version    uint32
	Flush      bool
	NrEntries  uint32
	Checksum   uint64
	Records    []EntryRecord
}

// Journal is the append-only ring on one device. It keeps the ring as
// an ordered in-memory+on-device sequence of entries rather than
// modeling individual bucket offsets; the ring occupies the fixed block
// region of Device bound by SetRegion.
type Journal struct {
	Device       storage.Device
	Threshold    int              // reservation backpressure threshold, in bytes
	ChecksumAlgo checksum.Algorithm // algorithm used for the on-disk ring envelope

	mu          sync.Mutex
	nextSeq     uint64
	entries     []Entry
	blacklist   map[uint64]bool
	reserved    int
	notFull     *sync.Cond
	flushOldest func() // called when reservation would exceed Threshold
	replayFloor uint64 // sequences <= this are already applied, never replayed

	regionStart uint64 // first block of the on-disk ring, device-relative
	regionCount uint64 // number of ring slots; 0 means "not persisted" (unit tests of this package in isolation)
}

func New(dev storage.Device, threshold int) *Journal {
	j := &Journal{Device: dev, Threshold: threshold, nextSeq: 1, blacklist: map[uint64]bool{}, ChecksumAlgo: checksum.CRC32C}
	j.notFull = sync.NewCond(&j.mu)
	return j
}

// SetRegion binds the on-disk ring Journal persists entries into:
// blocks [start, start+count) of Device. Format calls this once on a fresh region; Mount calls it
// and then LoadFromDevice to recover entries a prior session wrote.
func (self *Journal) SetRegion(start, count uint64) {
	self.mu.Lock()
	self.regionStart = start
	self.regionCount = count
	self.mu.Unlock()
}

// slotFor maps a sequence number to its ring block, wrapping once the
// region fills. Wrap only ever overwrites the oldest entries, whose
// updates the persisted tree roots already reflect, so replay of the
// surviving tail stays correct.
func (self *Journal) slotFor(seq uint64) uint64 {
	return self.regionStart + (seq-1)%self.regionCount
}

// persist writes e to its ring slot, a no-op when no region has been
// bound (e.g. journal_test.go's unit tests of this package alone).
func (self *Journal) persist(e Entry) error {
	if self.Device == nil || self.regionCount == 0 {
		return nil
	}
	payload, err := e.Marshal()
	if err != nil {
		return err
	}
	sum, err := checksum.Sum(self.ChecksumAlgo, payload)
	if err != nil {
		return err
	}
	rec := onDiskEntry{Magic: ringMagic, Checksum: sum, Payload: payload}
	raw, err := wire.Marshal(&rec)
	if err != nil {
		return err
	}
	bs := self.Device.BlockSize()
	if uint64(len(raw)) > uint64(bs) {
		return fmt.Errorf("journal entry %d bytes exceeds block size %d", len(raw), bs)
	}
	if err := self.Device.WriteBlock(self.slotFor(e.Seq), padToBlock(raw, bs)); err != nil {
		return fmt.Errorf("%w: %v", ferr.ErrIOError, err)
	}
	return nil
}

func padToBlock(data []byte, blockSize uint32) []byte {
	bs := int(blockSize)
	if len(data) >= bs {
		return data[:bs]
	}
	out := make([]byte, bs)
	copy(out, data)
	return out
}

// LoadFromDevice scans every ring slot for a valid (magic+checksum)
// entry and rebuilds the in-memory entries/nextSeq state from whatever
// it finds.
// Invalid or never-written slots are skipped silently - they are either
// outside the highest sequence ever reached or predate the ring having
// wrapped around them. Must be called with a region already bound via
// SetRegion, before Replay.
func (self *Journal) LoadFromDevice() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.Device == nil || self.regionCount == 0 {
		return nil
	}
	var found []Entry
	var maxSeq uint64
	for i := uint64(0); i < self.regionCount; i++ {
		raw, err := self.Device.ReadBlock(self.regionStart + i)
		if err != nil {
			continue // never written
		}
		var rec onDiskEntry
		if err := wire.Unmarshal(raw, &rec); err != nil || rec.Magic != ringMagic {
			continue
		}
		if err := checksum.Verify(self.ChecksumAlgo, rec.Payload, rec.Checksum); err != nil {
			mlog.Printf2("journal/journal", "ring slot %d: checksum mismatch, skipping", self.regionStart+i)
			continue
		}
		e, err := UnmarshalEntry(rec.Payload)
		if err != nil || e.Magic != entryMagic {
			continue
		}
		found = append(found, *e)
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Seq < found[j].Seq })
	self.entries = found
	if maxSeq >= self.nextSeq {
		self.nextSeq = maxSeq + 1
	}
	mlog.Printf2("journal/journal", "loaded %d entries from device, nextSeq=%d", len(found), self.nextSeq)
	return nil
}

// SetFlushOldest installs the callback used to relieve backpressure by
// flushing the oldest dirty B-tree nodes.
func (self *Journal) SetFlushOldest(fn func()) {
	self.flushOldest = fn
}

// Reserve blocks until nbytes of journal space are available. It
// returns a release function the caller must call once the
// reservation is consumed, refunding it on failure or cancellation.
func (self *Journal) Reserve(nbytes int) (func(), error) {
	self.mu.Lock()
	for self.Threshold > 0 && self.reserved+nbytes > self.Threshold {
		if self.flushOldest != nil {
			self.mu.Unlock()
			self.flushOldest()
			self.mu.Lock()
			continue
		}
		self.notFull.Wait()
	}
	self.reserved += nbytes
	self.mu.Unlock()
	return func() {
		self.mu.Lock()
		self.reserved -= nbytes
		self.notFull.Broadcast()
		self.mu.Unlock()
	}, nil
}

// Append writes entries under a freshly allocated monotonic sequence
// number.
func (self *Journal) Append(updates []txn.Update) (uint64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	records := make([]EntryRecord, len(updates))
	for i, u := range updates {
		records[i] = EntryRecord{BTreeID: u.BTreeID, Key: u.NewKey, Delete: u.Delete}
	}
	seq := self.nextSeq
	self.nextSeq++
	var lastSeq uint64
	if len(self.entries) > 0 {
		lastSeq = self.entries[len(self.entries)-1].Seq
	}
	e := Entry{Magic: entryMagic, Seq: seq, LastSeq: lastSeq, Version: 1, NrEntries: uint32(len(records)), Records: records}
	if err := self.persist(e); err != nil {
		self.nextSeq = seq // roll back the sequence counter; this attempt never became durable
		return 0, err
	}
	self.entries = append(self.entries, e)
	mlog.Printf2("journal/journal", "appended seq=%d nrecords=%d", seq, len(records))
	return seq, nil
}

// Flush appends a durability-barrier entry, sealing every entry
// appended so far as durable.
func (self *Journal) Flush() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	e := Entry{Magic: entryMagic, Seq: self.nextSeq, Flush: true}
	if err := self.persist(e); err != nil {
		return err
	}
	self.entries = append(self.entries, e)
	self.nextSeq++
	return nil
}

// Blacklist marks seq as non-replayable, used to quarantine a sequence known to have been
// written incompletely by a crashed writer.
func (self *Journal) Blacklist(seq uint64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.blacklist[seq] = true
}

// Prune drops every entry with Seq <= upTo, once the caller has
// confirmed the last B-tree node referencing that sequence has been
// flushed.
func (self *Journal) Prune(upTo uint64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	kept := self.entries[:0]
	for _, e := range self.entries {
		if e.Seq > upTo {
			kept = append(kept, e)
		}
	}
	self.entries = kept
}

// SetReplayFloor marks every sequence <= floor as already reflected in
// the persisted tree roots; Replay skips them. Without the floor a
// surviving ring slot whose updates are already applied would be
// replayed a second time.
func (self *Journal) SetReplayFloor(floor uint64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.replayFloor = floor
}

// Replay merges every non-blacklisted entry in sequence order and
// applies its records via apply.
func (self *Journal) Replay(apply func(EntryRecord) error) error {
	self.mu.Lock()
	entries := make([]Entry, len(self.entries))
	copy(entries, self.entries)
	self.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	for _, e := range entries {
		if e.Seq <= self.replayFloor {
			continue
		}
		if self.blacklist[e.Seq] {
			mlog.Printf2("journal/journal", "skipping blacklisted seq=%d", e.Seq)
			continue
		}
		if e.Flush {
			continue
		}
		for _, rec := range e.Records {
			if err := apply(rec); err != nil {
				return fmt.Errorf("%w: replaying seq=%d: %v", ferr.ErrJournalUnrecoverable, e.Seq, err)
			}
		}
	}
	return nil
}

// Marshal/Unmarshal let the superblock's journal-bucket list and
// fsck's `list_journal` dump persist/inspect entries bit-exactly.
func (self *Entry) Marshal() ([]byte, error) { return wire.Marshal(self) }

func UnmarshalEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := wire.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
