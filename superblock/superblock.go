// Package superblock implements the filesystem's self-describing,
// checksummed per-device record: member table, disk-group
// tree, encryption key material, feature bits, target selectors, and
// the layout sub-record of redundant on-disk offsets.
//
// The primary copy sits at byte 4096 and a backup copy at device end;
// each copy is a generation-tagged record. Open reads the primary and
// uses the backup only when the primary is unreadable. The layout (up
// to 61 u64 offsets) is encoded inside that record; nothing is written
// at LayoutSector.
package superblock

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"github.com/mstenber/cowfs/checksum"
	"github.com/mstenber/cowfs/codec"
	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/mlog"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/wire"
)

const (
	// SectorSize is the fixed on-disk sector size.
	SectorSize = 512

	// MagicOffset is the byte offset of the primary superblock magic.
	MagicOffset = 4096

	// LayoutSector is the sector number reserved for the layout
	// record. No read or write path uses it: Layout travels inside the
	// superblock record.
	LayoutSector = 7

	// MaxLayoutOffsets bounds the redundant offset list in the layout
	// record.
	MaxLayoutOffsets = 61

	magic uint64 = 0xc68573f6e6dacc4c
)

// MemberState is a member device's lifecycle state; writes target
// only rw members.
type MemberState uint8

const (
	StateRW MemberState = iota
	StateRO
	StateFailed
	StateSpare
)

func (self MemberState) String() string {
	switch self {
	case StateRW:
		return "rw"
	case StateRO:
		return "ro"
	case StateFailed:
		return "failed"
	case StateSpare:
		return "spare"
	default:
		return "unknown"
	}
}

// DataAllowed is a bitmask over the data types a member may hold.
type DataAllowed uint8

const (
	DataJournal DataAllowed = 1 << iota
	DataBtree
	DataUser
	DataCached
	DataParity
)

// DataAllowedDefault allows everything except cached data; caching
// devices opt in explicitly.
const DataAllowedDefault = DataJournal | DataBtree | DataUser | DataParity

// Member describes one device's entry in the superblock's member table.
type Member struct {
	UUID        uuid.UUID
	NBuckets    uint64
	BucketSize  uint32
	Discard     bool
	DataAllowed DataAllowed
	Durability  uint8
	Group       string // dotted disk-group label, "" if ungrouped
	State       MemberState
}

// DiskGroup is one node of the dotted-label disk-group hierarchy.
type DiskGroup struct {
	Label    string
	Children map[string]*DiskGroup
}

func newDiskGroup(label string) *DiskGroup {
	return &DiskGroup{Label: label, Children: make(map[string]*DiskGroup)}
}

// Layout is the redundancy record: extra block offsets WriteSuper also
// writes to. It is encoded as a field of Super, not at LayoutSector.
type Layout struct {
	Magic       uint64
	Offsets     [MaxLayoutOffsets]uint64
	Count       uint8
	MaxSizeBits uint8
}

// KeyMaterial is the encrypted-at-rest master key, wrapped under a
// KDF output of the passphrase. Unwrap happens in the codec package's
// EncryptingCodec once a passphrase is supplied (cmd
// unlock/set-passphrase).
type KeyMaterial struct {
	Salt       []byte
	Nonce      []byte
	WrappedKey []byte
}

// TargetKind distinguishes the two things a Target string can resolve
// to.
type TargetKind uint8

const (
	TargetNone TargetKind = iota
	TargetDevice
	TargetGroup
)

// Target is the compact encoded reference selecting a device or a
// disk-group label. Callers encode
// the result as a 32-bit value whose high byte carries Kind.
type Target struct {
	Kind  TargetKind
	Index uint32 // device index, when Kind == TargetDevice
	Group string // group label, when Kind == TargetGroup
}

// Encode packs a Target into its compact 32-bit wire form, kind in
// the high byte. Group targets are encoded by a caller-supplied group table
// index rather than the label itself, kept out-of-band here since this
// package has no single registry of group indices - see ResolveTarget.
func (self Target) Encode(groupIndex uint32) uint32 {
	return uint32(self.Kind)<<24 | (groupIndex & 0x00ffffff)
}

// Super is the in-memory superblock. Read/write round-trips the whole
// thing through wire.Marshal/Unmarshal as one CBOR record; Open takes
// the primary copy if it is valid and the backup otherwise, without
// comparing generations.
type Super struct {
	ExternalUUID uuid.UUID
	InternalUUID uuid.UUID
	Generation   uint64
	BlockSize    uint32

	// DevIdx is the one field that differs between the copies of the
	// superblock held by each member: this device's index into
	// Members. It is what lets a device found by UUID scan announce
	// which member slot it fills.
	DevIdx uint32

	// LastAppliedSeq is the newest journal sequence whose updates are
	// fully reflected in BTreeRoots; replay on mount starts above it.
	LastAppliedSeq uint64

	Members    []Member
	Groups     map[string]*DiskGroup
	KeyMat     *KeyMaterial
	Features   map[string]bool
	Targets    TargetSet
	JournalBuckets map[uint32][]uint64 // member index -> bucket numbers

	MetadataChecksum checksum.Algorithm
	DataChecksum     checksum.Algorithm
	Layout           Layout

	// BTreeRoots persists every fskey.BTreeID's current root node
	// pointer, keyed by the
	// raw BTreeID byte value and opaquely wire-encoded by the btree
	// package. Kept as raw bytes rather than a btree.Pointer so this
	// package has no dependency on btree - superblock sits below btree
	// in the layering, not beside it.
	BTreeRoots map[uint8][]byte
}

// TargetSet carries the foreground/background/promote/metadata target
// options, one Target per role.
type TargetSet struct {
	Foreground Target
	Background Target
	Promote    Target
	Metadata   Target
}

// New creates a fresh superblock for a format operation, with both
// UUIDs freshly generated.
func New(blockSize uint32) *Super {
	return &Super{
		ExternalUUID:   uuid.New(),
		InternalUUID:   uuid.New(),
		BlockSize:      blockSize,
		Groups:         map[string]*DiskGroup{},
		Features:       map[string]bool{},
		JournalBuckets: map[uint32][]uint64{},
		MetadataChecksum: checksum.CRC32C,
		DataChecksum:     checksum.CRC32C,
	}
}

// Clone deep-copies the superblock through its own wire encoding, so
// each member can hold an identical copy differing only in DevIdx.
func (self *Super) Clone() (*Super, error) {
	b, err := wire.Marshal(self)
	if err != nil {
		return nil, err
	}
	var out Super
	if err := wire.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Handle is an open superblock bound to a specific device.
type Handle struct {
	Device storage.Device
	Super  *Super
}

// Open reads and validates the superblock on dev, falling back to the
// backup copy at device end if the primary is unreadable. A device
// with both copies bad is unusable.
func Open(dev storage.Device) (*Handle, error) {
	sb, err := ReadSuper(dev, primaryBlock(dev))
	if err != nil {
		mlog.Printf2("superblock/superblock", "primary superblock bad: %v, trying backup", err)
		sb, err = ReadSuper(dev, backupBlock(dev))
		if err != nil {
			return nil, fmt.Errorf("%w: both primary and backup unreadable: %v", ferr.ErrSuperblockUnreadable, err)
		}
	}
	return &Handle{Device: dev, Super: sb}, nil
}

func primaryBlock(dev storage.Device) uint64 {
	bs := uint64(dev.BlockSize())
	if bs == 0 {
		bs = SectorSize
	}
	return MagicOffset / bs
}

func backupBlock(dev storage.Device) uint64 {
	n := dev.NumBlocks()
	if n == 0 {
		return 0
	}
	return n - 1
}

// ReadSuper decodes and validates the superblock stored at block n:
// locate magic, validate checksum, decode sections. Fails with
// BadMagic|BadChecksum|UnknownRequiredFeature|Truncated.
func ReadSuper(dev storage.Device, n uint64) (*Super, error) {
	raw, err := dev.ReadBlock(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ferr.ErrTruncated, err)
	}
	var rec onDiskRecord
	if err := wire.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ferr.ErrBadMagic, err)
	}
	if rec.Magic != magic {
		return nil, ferr.ErrBadMagic
	}
	if err := checksum.Verify(checksum.CRC32C, rec.Payload, rec.Checksum); err != nil {
		return nil, fmt.Errorf("%w: %v", ferr.ErrBadChecksum, err)
	}
	var sb Super
	if err := wire.Unmarshal(rec.Payload, &sb); err != nil {
		return nil, fmt.Errorf("%w: %v", ferr.ErrTruncated, err)
	}
	for feat := range sb.Features {
		if !knownFeatures[feat] {
			return nil, fmt.Errorf("%w: %s", ferr.ErrUnknownRequiredFeature, feat)
		}
	}
	return &sb, nil
}

// onDiskRecord is the magic+checksum+payload envelope every
// superblock replica carries; the checksum is recomputed last on
// write, so a torn write is detected on read.
type onDiskRecord struct {
	Magic    uint64
	Checksum uint64
	Payload  []byte
}

var knownFeatures = map[string]bool{
	"extents_v2": true, "reflink": true, "erasure_coding": true,
	"subvolumes": true, "snapshots": true,
}

// WriteSuper writes sb to every replica offset declared in its layout.
// The layout always includes the primary (MagicOffset) and backup
// (device-end) locations even if Layout.Count is zero, so a freshly
// formatted superblock is always recoverable by Open.
func (self *Handle) WriteSuper() error {
	bs := uint64(self.Device.BlockSize())
	if bs == 0 {
		bs = SectorSize
	}
	self.Super.Generation++
	payload, err := wire.Marshal(self.Super)
	if err != nil {
		return err
	}
	sum, err := checksum.Sum(checksum.CRC32C, payload)
	if err != nil {
		return err
	}
	rec := onDiskRecord{Magic: magic, Checksum: sum, Payload: payload}
	raw, err := wire.Marshal(&rec)
	if err != nil {
		return err
	}
	if uint64(len(raw)) > bs {
		return fmt.Errorf("superblock record %d bytes exceeds block size %d", len(raw), bs)
	}
	if uint64(len(raw)) < bs {
		padded := make([]byte, bs)
		copy(padded, raw)
		raw = padded
	}

	offsets := []uint64{primaryBlock(self.Device), backupBlock(self.Device)}
	for i := uint8(0); i < self.Super.Layout.Count; i++ {
		offsets = append(offsets, self.Super.Layout.Offsets[i])
	}
	for _, off := range offsets {
		if err := self.Device.WriteBlock(off, raw); err != nil {
			return err
		}
	}
	return self.Device.Sync()
}

// AddMember places m in the first free member slot, growing the table
// if none is free, and returns the chosen index. Member UUIDs must be
// unique; any new nested disk-groups the dotted label implies are
// materialized.
func (self *Handle) AddMember(m Member) (int, error) {
	var zero uuid.UUID
	if m.UUID == zero {
		return 0, fmt.Errorf("member UUID must be set")
	}
	slot := -1
	for i, existing := range self.Super.Members {
		if existing.UUID == m.UUID {
			return 0, fmt.Errorf("member %s already present", m.UUID)
		}
		if existing.UUID == zero && slot < 0 {
			slot = i
		}
	}
	if m.Group != "" {
		self.ensureGroupPath(m.Group)
	}
	if slot >= 0 {
		self.Super.Members[slot] = m
		return slot, nil
	}
	self.Super.Members = append(self.Super.Members, m)
	return len(self.Super.Members) - 1, nil
}

// ensureGroupPath materializes every ancestor of a dotted group label,
// e.g. "a.b.c" implies "a.b" and "a".
func (self *Handle) ensureGroupPath(label string) {
	if self.Super.Groups == nil {
		self.Super.Groups = map[string]*DiskGroup{}
	}
	parts := splitLabel(label)
	for i := range parts {
		full := joinLabel(parts[:i+1])
		if _, ok := self.Super.Groups[full]; !ok {
			self.Super.Groups[full] = newDiskGroup(full)
		}
		if i > 0 {
			parent := joinLabel(parts[:i])
			self.Super.Groups[parent].Children[full] = self.Super.Groups[full]
		}
	}
}

func splitLabel(label string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(label); i++ {
		if label[i] == '.' {
			parts = append(parts, label[start:i])
			start = i + 1
		}
	}
	parts = append(parts, label[start:])
	return parts
}

func joinLabel(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "." + p
	}
	return out
}

// RemoveMember drops the member at idx from the table. Callers are responsible for having already evacuated
// data per the CLI's "evacuate" subcommand; this call only mutates the
// table.
func (self *Handle) RemoveMember(idx int) error {
	if idx < 0 || idx >= len(self.Super.Members) {
		return fmt.Errorf("member index %d out of range", idx)
	}
	// Tombstone rather than splice: member indices are positional and
	// later members must keep theirs. The slot is reusable by a later
	// AddMember.
	self.Super.Members[idx] = Member{State: StateSpare}
	return nil
}

// SetState transitions member idx to state.
func (self *Handle) SetState(idx int, state MemberState) error {
	if idx < 0 || idx >= len(self.Super.Members) {
		return fmt.Errorf("member index %d out of range", idx)
	}
	self.Super.Members[idx].State = state
	return nil
}

// Resize updates member idx's bucket count.
func (self *Handle) Resize(idx int, newNBuckets uint64) error {
	if idx < 0 || idx >= len(self.Super.Members) {
		return fmt.Errorf("member index %d out of range", idx)
	}
	self.Super.Members[idx].NBuckets = newNBuckets
	return nil
}

// ResizeJournal replaces member idx's journal bucket list with a
// freshly sized run; callers supply
// which bucket numbers to reserve, typically picked by the allocator.
func (self *Handle) ResizeJournal(idx uint32, buckets []uint64) {
	self.Super.JournalBuckets[idx] = buckets
}

// DiskPathFindOrCreate resolves label to its DiskGroup, creating any
// missing ancestors.
func (self *Handle) DiskPathFindOrCreate(label string) *DiskGroup {
	self.ensureGroupPath(label)
	return self.Super.Groups[label]
}

// ParseTarget resolves s to a device index, a group label, or
// TargetNone. A member's full UUID string or a bare integer below the
// member count matches a device; anything else is treated as a group
// label, materializing it if absent.
func (self *Handle) ParseTarget(s string) Target {
	if s == "" {
		return Target{Kind: TargetNone}
	}
	for i, m := range self.Super.Members {
		if m.UUID.String() == s {
			return Target{Kind: TargetDevice, Index: uint32(i)}
		}
	}
	if idx, ok := parseUint(s); ok && int(idx) < len(self.Super.Members) {
		return Target{Kind: TargetDevice, Index: uint32(idx)}
	}
	self.DiskPathFindOrCreate(s)
	return Target{Kind: TargetGroup, Group: s}
}

func parseUint(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return v, true
}

// MembersMatchingTarget returns the member indices a Target resolves
// to: a single device, or every device in the named group (and its
// descendants).
func (self *Handle) MembersMatchingTarget(t Target) []int {
	switch t.Kind {
	case TargetDevice:
		if int(t.Index) < len(self.Super.Members) {
			return []int{int(t.Index)}
		}
		return nil
	case TargetGroup:
		var out []int
		for i, m := range self.Super.Members {
			if groupMatches(m.Group, t.Group) {
				out = append(out, i)
			}
		}
		return out
	default:
		var out []int
		for i := range self.Super.Members {
			out = append(out, i)
		}
		return out
	}
}

// groupMatches reports whether member's group equals target, or is a
// descendant of it in the dotted hierarchy.
func groupMatches(memberGroup, target string) bool {
	if memberGroup == target {
		return true
	}
	return len(memberGroup) > len(target) &&
		memberGroup[:len(target)] == target &&
		memberGroup[len(target)] == '.'
}

// masterKeySize is the size of the filesystem's one unwrapped
// encryption key, sized
// to chacha20poly1305.KeySize without importing golang.org/x/crypto
// directly here - codec.EncryptingCodec already owns that dependency.
const masterKeySize = 32

const passphraseKDFIterations = 210000

// wrapMasterKey wraps key under passphrase via PBKDF2-derived
// ChaCha20-Poly1305 and installs the result as sb.KeyMat.
func (self *Super) wrapMasterKey(key, passphrase []byte) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("superblock: generating salt: %w", err)
	}
	ec := codec.EncryptingCodec{}.Init(passphrase, salt, passphraseKDFIterations)
	wrapped, err := ec.EncodeBytes(key, nil)
	if err != nil {
		return fmt.Errorf("superblock: wrapping master key: %w", err)
	}
	self.KeyMat = &KeyMaterial{Salt: salt, WrappedKey: wrapped}
	return nil
}

// SetPassphrase enables encryption on sb for the first time: generates
// a fresh random master key and wraps it under passphrase (CLI
// `set-passphrase`). Returns an error if sb already has
// key material - use ChangePassphrase to rotate an existing one,
// since rotation needs the old passphrase to recover the existing
// master key rather than silently minting a new one (which would
// orphan every extent already encrypted under the old key). Call
// WriteSuper afterward to persist the new KeyMat.
func (self *Super) SetPassphrase(passphrase []byte) error {
	if self.KeyMat != nil {
		return fmt.Errorf("superblock: encryption key material already set; use ChangePassphrase to rotate")
	}
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("superblock: generating master key: %w", err)
	}
	return self.wrapMasterKey(key, passphrase)
}

// ChangePassphrase recovers sb's existing master key under
// oldPassphrase and re-wraps it under newPassphrase, preserving the
// key itself so already-encrypted extents stay readable.
func (self *Super) ChangePassphrase(oldPassphrase, newPassphrase []byte) error {
	key, err := self.Unlock(oldPassphrase)
	if err != nil {
		return err
	}
	return self.wrapMasterKey(key, newPassphrase)
}

// Unlock unwraps sb's master key with passphrase, returning it for the
// caller to hand to codec.EncryptingCodec when building the extent
// path's encryption options (CLI `unlock`). Returns
// ferr.ErrCorruption (wrong passphrase, or no KeyMat set) rather than
// the raw AEAD-open error.
func (self *Super) Unlock(passphrase []byte) ([]byte, error) {
	if self.KeyMat == nil {
		return nil, fmt.Errorf("%w: filesystem has no encryption key material set", ferr.ErrCorruption)
	}
	ec := codec.EncryptingCodec{}.Init(passphrase, self.KeyMat.Salt, passphraseKDFIterations)
	key, err := ec.DecodeBytes(self.KeyMat.WrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase", ferr.ErrCorruption)
	}
	return key, nil
}

// RemovePassphrase unwraps sb's master key with passphrase and stores
// it unwrapped (no KDF protection), matching the CLI `remove-passphrase`
// contract: the filesystem remains encrypted at rest (extents are still
// run through EncryptingCodec) but mounting no longer requires a
// passphrase prompt. Call WriteSuper afterward to persist.
func (self *Super) RemovePassphrase(passphrase []byte) error {
	key, err := self.Unlock(passphrase)
	if err != nil {
		return err
	}
	self.KeyMat = &KeyMaterial{WrappedKey: key}
	return nil
}
