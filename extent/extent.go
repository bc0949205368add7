// Package extent implements the data I/O path: write
// assembly (compress, allocate, encrypt, checksum, replicate) and read
// assembly (checksum verify, decrypt, decompress, retry from replicas),
// committed through the txn/btree layers.
//
// Writes compress before encrypting and checksum last; reads verify
// the checksum before decrypting. The pipeline fans out across
// replicas on independent devices.
package extent

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/mstenber/cowfs/alloc"
	"github.com/mstenber/cowfs/checksum"
	"github.com/mstenber/cowfs/codec"
	"github.com/mstenber/cowfs/extent/erasure"
	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/mlog"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/txn"
	"github.com/mstenber/cowfs/wire"
	"golang.org/x/sync/errgroup"
)

// Pointer is one device replica of an extent.
type Pointer struct {
	Device           uint32
	Offset           uint64
	Generation       uint64
	Checksum         uint64
	CompressedSize   uint32
	UncompressedSize uint32
	Errored          bool
	Cached           bool

	// Parity marks this replica as the erasure-coded stripe's XOR
	// parity shard rather than a data shard (extent/erasure.Stripe),
	// set only when the owning Value.StripeID is nonzero.
	Parity bool
}

// Value is the extent key's payload: one or more replica Pointers plus
// an optional erasure-stripe back-reference. Inode and
// LogicalOffset are carried alongside the pointers (redundant with the
// owning fskey.Key's Position) purely so the additionalData binding
// used at encrypt/decrypt time can be
// reconstructed from the Value alone during a bare read of one replica.
type Value struct {
	Inode         uint64
	LogicalOffset uint64
	Pointers      []Pointer
	NrRequired    uint8 // durability required for this extent
	StripeID      uint64 // 0 if not part of an erasure stripe
	Compression   codec.CompressionType

	// ErasureTotalLen is the unpadded byte length of the compressed
	// (and, if enabled, encrypted) wire payload before it was split
	// into Pointers' erasure shards; only meaningful when StripeID != 0,
	// since the last shard is zero-padded out to a uniform shard length.
	ErasureTotalLen uint32
}

func (self *Value) marshal() []byte { b, _ := wire.Marshal(self); return b }

func unmarshalValue(b []byte) (*Value, error) {
	var v Value
	if err := wire.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Options configures one write. EncryptCodec is
// nil for encryption=none; construct one per mount via
// codec.EncryptingCodec{}.InitWithKey(key) from the master key the
// superblock's key material unwraps to.
type Options struct {
	Compression      codec.CompressionType
	Checksum         checksum.Algorithm
	Replicas         int
	NrRequired       int
	DataType         alloc.DataType
	CandidateDevices []uint32
	EncryptCodec     *codec.EncryptingCodec

	// Snapshot is the snapshot id this I/O runs under. Writes land at
	// this id; reads see, per offset, the newest extent whose id is <=
	// this one, so a frozen older id keeps reading its own version
	// after the live subvolume has moved on.
	Snapshot uint32

	// Stream tags the write stream for write-point selection: writes
	// carrying the same tag prefer the same device rotation, keeping
	// independent streams from interleaving. Empty defaults to a
	// per-inode tag.
	Stream string

	// PromoteDevices, when non-empty, makes Read write a cached copy
	// of each extent it serves onto one of these devices if no cached
	// replica exists there yet.
	PromoteDevices []uint32

	// ErasureDataShards, when > 0, writes the extent as an
	// extent/erasure stripe instead of Replicas full copies: the
	// compressed+encrypted payload is split into this many equally
	// sized data shards plus one XOR parity shard, each shard going to
	// its own device. Replicas is
	// ignored when this is set.
	ErasureDataShards int
}

// Path bundles the collaborators the I/O path needs:
// the allocator, the extent btree transaction manager, and per-device
// storage handles.
type Path struct {
	Alloc   *alloc.Allocator
	Mgr     *txn.Manager
	Devices map[uint32]storage.Device

	genMu   sync.Mutex
	nextGen uint64 // next write generation; lazily seeded from the extents btree
}

// nextWriteGen hands out a fresh, monotonically increasing write
// generation, seeding the counter from the highest generation already
// recorded in the extents btree so generations stay unique across
// mounts. The generation feeds the per-extent encryption nonce, which
// must never repeat under one key with different plaintext.
func (self *Path) nextWriteGen() (uint64, error) {
	self.genMu.Lock()
	defer self.genMu.Unlock()
	if self.nextGen == 0 {
		tree := self.Mgr.Trees[fskey.BTreeExtents]
		path, err := tree.IterInit(fskey.PosMin)
		if err != nil {
			return 0, err
		}
		var max uint64
		for {
			k := path.Advance()
			if k == nil {
				break
			}
			val, err := unmarshalValue(k.Value)
			if err != nil {
				return 0, err
			}
			for _, p := range val.Pointers {
				if p.Generation > max {
					max = p.Generation
				}
			}
		}
		self.nextGen = max + 1
	}
	gen := self.nextGen
	self.nextGen++
	return gen, nil
}

// streamDevices rotates candidates by the stream's write point so
// independent streams start their allocation on different devices.
func streamDevices(candidates []uint32, stream string, inode uint64) []uint32 {
	if len(candidates) <= 1 {
		return candidates
	}
	if stream == "" {
		stream = fmt.Sprintf("inode-%d", inode)
	}
	start := int(alloc.WritePoint(stream) % uint64(len(candidates)))
	out := make([]uint32, 0, len(candidates))
	out = append(out, candidates[start:]...)
	out = append(out, candidates[:start]...)
	return out
}

// durabilityPerDevice is a fixed stand-in for the per-member
// durability option; a real
// deployment reads this from the superblock member table.
func durabilityPerDevice(dev uint32) int { return 1 }

// Write assembles and commits one extent covering [offset, offset+len(buffer))
// of inode. Write does no head/tail block alignment and no
// read-modify-write of partial boundary blocks: buffer is stored as one
// extent exactly as given.
func (self *Path) Write(inode uint64, offset uint64, buffer []byte, opts Options) error {
	cc := codec.CodecChain{}.Init(&codec.CompressingCodec{Algorithm: opts.Compression})
	compressed, err := cc.EncodeBytes(buffer, nil)
	if err != nil {
		return err
	}

	binding := extentBinding(inode, offset)

	if opts.ErasureDataShards > 0 {
		return self.writeErasureStripe(inode, offset, buffer, compressed, binding, opts)
	}

	if opts.Replicas <= 0 {
		opts.Replicas = 1
	}
	if opts.NrRequired <= 0 {
		opts.NrRequired = opts.Replicas
	}

	gen, err := self.nextWriteGen()
	if err != nil {
		return err
	}
	candidates := streamDevices(opts.CandidateDevices, opts.Stream, inode)

	pointers := make([]Pointer, opts.Replicas)
	reservations := make([]*alloc.Reservation, opts.Replicas)
	opened := make([]*[2]uint64, opts.Replicas)
	committed := false
	defer func() {
		// Buckets stay "open" until the extent key is committed (or
		// the write abandoned), so a concurrent copygc/invalidate pass
		// can never reclaim a bucket whose key is not yet visible.
		for _, ob := range opened {
			if ob != nil {
				self.Alloc.CloseBucket(uint32(ob[0]), ob[1])
			}
		}
		if committed {
			return
		}
		for _, r := range reservations {
			if r != nil {
				r.Cancel()
			}
		}
	}()

	// Replicas go to independent devices, so allocation and the block
	// write of each replica run in parallel, not just the final I/O.
	g := new(errgroup.Group)
	for i := 0; i < opts.Replicas; i++ {
		i := i
		g.Go(func() error {
			dev, bucket, err := self.Alloc.Allocate(candidates, opts.DataType)
			if err != nil {
				return fmt.Errorf("%w: replica %d/%d: %v", ferr.ErrNoSpace, i+1, opts.Replicas, err)
			}
			opened[i] = &[2]uint64{uint64(dev), bucket}
			resv, err := self.Alloc.DiskReservationGet(dev, 1, 1) // one bucket for this replica
			if err != nil {
				return err
			}
			reservations[i] = resv

			wireBytes := compressed
			if opts.EncryptCodec != nil {
				nonce := codec.PerExtentNonce(inode, offset, gen, opts.EncryptCodec.NonceSize())
				wireBytes, err = opts.EncryptCodec.EncodeBytesWithNonce(compressed, binding, nonce)
				if err != nil {
					return err
				}
			}
			sum, err := checksum.Sum(opts.Checksum, wireBytes)
			if err != nil {
				return err
			}

			devHandle, ok := self.Devices[dev]
			if !ok {
				return fmt.Errorf("no device handle for member %d", dev)
			}
			if err := devHandle.WriteBlock(bucket, padToBlock(wireBytes, devHandle.BlockSize())); err != nil {
				return fmt.Errorf("%w: %v", ferr.ErrIOError, err)
			}

			pointers[i] = Pointer{
				Device: dev, Offset: bucket, Generation: gen, Checksum: sum,
				CompressedSize: uint32(len(wireBytes)), UncompressedSize: uint32(len(buffer)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	val := Value{
		Inode: inode, LogicalOffset: offset,
		Pointers: pointers, NrRequired: uint8(opts.NrRequired), Compression: opts.Compression,
	}
	key := fskey.Key{
		Pos:   fskey.Position{Inode: inode, Offset: offset, Snapshot: opts.Snapshot},
		Size:  uint32(len(buffer)),
		Type:  fskey.KeyTypeExtent,
		Value: val.marshal(),
	}

	if err := self.Mgr.Run(func(t *txn.Txn) error {
		return t.Set(fskey.BTreeExtents, key)
	}); err != nil {
		return err
	}
	committed = true // reservations now belong to the write, not this function's defer
	return nil
}

// writeErasureStripe commits one extent as an extent/erasure stripe:
// opts.ErasureDataShards equally-sized data shards plus one XOR parity
// shard, each on its own device. The
// compressed (and, if enabled, encrypted) payload is assembled once up
// front rather than per-replica, since every shard must slice the same
// wire bytes for the XOR parity to reconstruct any one of them.
func (self *Path) writeErasureStripe(inode uint64, offset uint64, buffer, compressed, binding []byte, opts Options) error {
	gen, err := self.nextWriteGen()
	if err != nil {
		return err
	}
	wireBytes := compressed
	if opts.EncryptCodec != nil {
		nonce := codec.PerExtentNonce(inode, offset, gen, opts.EncryptCodec.NonceSize())
		enc, err := opts.EncryptCodec.EncodeBytesWithNonce(compressed, binding, nonce)
		if err != nil {
			return err
		}
		wireBytes = enc
	}
	candidates := streamDevices(opts.CandidateDevices, opts.Stream, inode)

	n := opts.ErasureDataShards
	shardLen := (len(wireBytes) + n - 1) / n
	if shardLen == 0 {
		shardLen = 1
	}
	padded := make([]byte, shardLen*n)
	copy(padded, wireBytes)
	data := make([][]byte, n)
	for i := 0; i < n; i++ {
		data[i] = padded[i*shardLen : (i+1)*shardLen]
	}

	stripeID, err := self.nextStripeID()
	if err != nil {
		return err
	}
	stripe, err := erasure.Encode(stripeID, data)
	if err != nil {
		return err
	}
	shards := append(append([][]byte{}, stripe.Data...), stripe.Parity)

	pointers := make([]Pointer, len(shards))
	reservations := make([]*alloc.Reservation, len(shards))
	opened := make([]*[2]uint64, len(shards))
	committed := false
	defer func() {
		for _, ob := range opened {
			if ob != nil {
				self.Alloc.CloseBucket(uint32(ob[0]), ob[1])
			}
		}
		if committed {
			return
		}
		for _, r := range reservations {
			if r != nil {
				r.Cancel()
			}
		}
	}()

	g := new(errgroup.Group)
	for i := range shards {
		i := i
		g.Go(func() error {
			shard := shards[i]
			dev, bucket, err := self.Alloc.Allocate(candidates, opts.DataType)
			if err != nil {
				return fmt.Errorf("%w: shard %d/%d: %v", ferr.ErrNoSpace, i+1, len(shards), err)
			}
			opened[i] = &[2]uint64{uint64(dev), bucket}
			resv, err := self.Alloc.DiskReservationGet(dev, 1, 1) // one bucket for this shard
			if err != nil {
				return err
			}
			reservations[i] = resv

			sum, err := checksum.Sum(opts.Checksum, shard)
			if err != nil {
				return err
			}
			devHandle, ok := self.Devices[dev]
			if !ok {
				return fmt.Errorf("no device handle for member %d", dev)
			}
			if err := devHandle.WriteBlock(bucket, padToBlock(shard, devHandle.BlockSize())); err != nil {
				return fmt.Errorf("%w: %v", ferr.ErrIOError, err)
			}
			pointers[i] = Pointer{
				Device: dev, Offset: bucket, Generation: gen, Checksum: sum,
				CompressedSize: uint32(len(shard)), UncompressedSize: uint32(len(buffer)),
				Parity: i == len(shards)-1,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	nrRequired := opts.NrRequired
	if nrRequired <= 0 {
		nrRequired = n
	}
	val := Value{
		Inode: inode, LogicalOffset: offset,
		Pointers: pointers, NrRequired: uint8(nrRequired), Compression: opts.Compression,
		StripeID: stripeID, ErasureTotalLen: uint32(len(wireBytes)),
	}
	key := fskey.Key{
		Pos:   fskey.Position{Inode: inode, Offset: offset, Snapshot: opts.Snapshot},
		Size:  uint32(len(buffer)),
		Type:  fskey.KeyTypeExtent,
		Value: val.marshal(),
	}
	if err := self.Mgr.Run(func(t *txn.Txn) error {
		return t.Set(fskey.BTreeExtents, key)
	}); err != nil {
		return err
	}
	committed = true
	return nil
}

// nextStripeID picks a fresh stripe identifier one past the highest
// currently recorded in the extents btree, mirroring ops.AllocInode's
// derive-from-existing-table approach rather than a separate persistent
// counter key.
func (self *Path) nextStripeID() (uint64, error) {
	tree := self.Mgr.Trees[fskey.BTreeExtents]
	path, err := tree.IterInit(fskey.PosMin)
	if err != nil {
		return 0, err
	}
	var max uint64
	for {
		k := path.Advance()
		if k == nil {
			break
		}
		val, err := unmarshalValue(k.Value)
		if err != nil {
			return 0, err
		}
		if val.StripeID > max {
			max = val.StripeID
		}
	}
	return max + 1, nil
}

// extentBinding is the per-extent additionalData for the AEAD:
// authenticated but unencrypted context bound into the tag so
// ciphertext from one extent cannot be replayed into another logical
// position undetected, the same technique storage.CodecDevice uses
// for per-block binding.
func extentBinding(inode, offset uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], inode)
	binary.BigEndian.PutUint64(b[8:16], offset)
	return b
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

// Read reassembles [offset, offset+length) of inode, trying every
// replica of every overlapping extent in turn on failure.
func (self *Path) Read(inode uint64, offset uint64, length uint64, opts Options) ([]byte, error) {
	tree := self.Mgr.Trees[fskey.BTreeExtents]
	path, err := tree.IterInit(fskey.Position{Inode: inode, Offset: offset})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	want := offset + length
	var pending *fskey.Key
	for uint64(len(out))+offset < want {
		// All snapshot variants of one offset sort adjacently; gather
		// the run and pick the newest variant visible at opts.Snapshot.
		cur := pending
		pending = nil
		if cur == nil {
			cur = path.Advance()
		}
		if cur == nil || cur.Pos.Inode != inode {
			return nil, fmt.Errorf("%w: no extent covers offset %d", ferr.ErrUnrecoverableRead, offset+uint64(len(out)))
		}
		groupOff := cur.Pos.Offset
		var chosen *fskey.Key
		for {
			if cur.Pos.Snapshot <= opts.Snapshot {
				chosen = cur
			}
			nxt := path.Advance()
			if nxt == nil || nxt.Pos.Inode != inode || nxt.Pos.Offset != groupOff {
				pending = nxt
				break
			}
			cur = nxt
		}
		if chosen == nil {
			return nil, fmt.Errorf("%w: no extent at offset %d visible at snapshot %d",
				ferr.ErrUnrecoverableRead, groupOff, opts.Snapshot)
		}
		val, err := unmarshalValue(chosen.Value)
		if err != nil {
			return nil, err
		}
		chunk, err := self.readOneExtent(val, opts)
		if err != nil {
			return nil, err
		}
		self.maybePromote(*chosen, val, opts)
		out = append(out, chunk...)
	}
	return out, nil
}

// maybePromote opportunistically writes a cached copy of the extent
// onto one of opts.PromoteDevices after a successful read, unless one
// is already there. Promotion failures are logged and swallowed: the
// read itself already succeeded, and the cache copy is never required
// for correctness.
func (self *Path) maybePromote(key fskey.Key, val *Value, opts Options) {
	if len(opts.PromoteDevices) == 0 || val.StripeID != 0 {
		return
	}
	for _, p := range val.Pointers {
		if !p.Cached || p.Errored {
			continue
		}
		for _, d := range opts.PromoteDevices {
			if p.Device == d {
				return
			}
		}
	}
	var wireBytes []byte
	var src *Pointer
	for i := range val.Pointers {
		p := &val.Pointers[i]
		if p.Errored || p.Cached {
			continue
		}
		b, err := self.readShard(p, opts.Checksum)
		if err != nil {
			continue
		}
		wireBytes, src = b, p
		break
	}
	if src == nil {
		return
	}
	dev, bucket, err := self.Alloc.Allocate(opts.PromoteDevices, alloc.DataCached)
	if err != nil {
		mlog.Printf2("extent/extent", "promote: no cache bucket available: %v", err)
		return
	}
	defer self.Alloc.CloseBucket(dev, bucket)
	devHandle, ok := self.Devices[dev]
	if !ok {
		return
	}
	if err := devHandle.WriteBlock(bucket, padToBlock(wireBytes, devHandle.BlockSize())); err != nil {
		mlog.Printf2("extent/extent", "promote: write failed: %v", err)
		return
	}
	updated := *val
	updated.Pointers = append(append([]Pointer{}, val.Pointers...), Pointer{
		Device: dev, Offset: bucket, Generation: src.Generation, Checksum: src.Checksum,
		CompressedSize: src.CompressedSize, UncompressedSize: src.UncompressedSize,
		Cached: true,
	})
	newKey := key
	newKey.Value = updated.marshal()
	if err := self.Mgr.Run(func(t *txn.Txn) error {
		return t.Set(fskey.BTreeExtents, newKey)
	}); err != nil {
		mlog.Printf2("extent/extent", "promote: commit failed: %v", err)
	}
}

// readOneExtent tries the replicas of val, non-cached ones first and
// cached ones after, each group in pointer order, decrypting and
// decompressing the first one to pass its checksum.
func (self *Path) readOneExtent(val *Value, opts Options) ([]byte, error) {
	if val.StripeID != 0 {
		return self.readErasureStripe(val, opts)
	}
	binding := extentBinding(val.Inode, val.LogicalOffset)
	var lastErr error
	// Durable replicas are preferred over cached copies; a cached copy
	// may have been invalidated under us, a durable one cannot.
	order := make([]int, 0, len(val.Pointers))
	for i := range val.Pointers {
		if !val.Pointers[i].Cached {
			order = append(order, i)
		}
	}
	for i := range val.Pointers {
		if val.Pointers[i].Cached {
			order = append(order, i)
		}
	}
	for _, i := range order {
		p := &val.Pointers[i]
		if p.Errored {
			continue
		}
		devHandle, ok := self.Devices[p.Device]
		if !ok {
			lastErr = fmt.Errorf("no device handle for member %d", p.Device)
			continue
		}
		raw, err := devHandle.ReadBlock(p.Offset)
		if err != nil {
			p.Errored = true
			lastErr = err
			continue
		}
		wireBytes := raw[:p.CompressedSize]
		if err := checksum.Verify(opts.Checksum, wireBytes, p.Checksum); err != nil {
			p.Errored = true
			lastErr = err
			mlog.Printf2("extent/extent", "checksum mismatch on replica dev=%d off=%d, trying next", p.Device, p.Offset)
			continue
		}
		plain := wireBytes
		if opts.EncryptCodec != nil {
			plain, err = opts.EncryptCodec.DecodeBytes(wireBytes, binding)
			if err != nil {
				lastErr = err
				continue
			}
		}
		cc := codec.CodecChain{}.Init(&codec.CompressingCodec{Algorithm: val.Compression})
		orig, err := cc.DecodeBytes(plain, nil)
		if err != nil {
			lastErr = err
			continue
		}
		return orig, nil
	}
	if lastErr == nil {
		lastErr = ferr.ErrUnrecoverableRead
	}
	return nil, fmt.Errorf("%w: %v", ferr.ErrUnrecoverableRead, lastErr)
}

// readErasureStripe reads every shard of an erasure-coded extent,
// reconstructing the single missing
// shard via XOR parity when within extent/erasure.MaxDegradation, then
// runs the usual decrypt+decompress pipeline on the reassembled wire
// bytes.
func (self *Path) readErasureStripe(val *Value, opts Options) ([]byte, error) {
	n := len(val.Pointers) - 1
	if n <= 0 {
		return nil, fmt.Errorf("%w: stripe %d has no data shards", ferr.ErrUnrecoverableRead, val.StripeID)
	}
	shards := make([][]byte, len(val.Pointers))
	missing := -1
	nmissing := 0
	for i := range val.Pointers {
		p := &val.Pointers[i]
		shard, err := self.readShard(p, opts.Checksum)
		if err != nil {
			p.Errored = true
			missing = i
			nmissing++
			mlog.Printf2("extent/extent", "stripe %d shard %d unreadable: %v", val.StripeID, i, err)
			continue
		}
		shards[i] = shard
	}
	if nmissing > erasure.MaxDegradation {
		return nil, fmt.Errorf("%w: stripe %d lost %d shards, tolerates %d", ferr.ErrUnrecoverableRead, val.StripeID, nmissing, erasure.MaxDegradation)
	}

	data := shards[:n]
	parity := shards[n]
	if nmissing == 1 && missing < n {
		recovered, err := erasure.Reconstruct(data, parity, missing)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ferr.ErrUnrecoverableRead, err)
		}
		data[missing] = recovered
	}

	wireBytes := make([]byte, 0, n*len(data[0]))
	for _, d := range data {
		wireBytes = append(wireBytes, d...)
	}
	if uint32(len(wireBytes)) > val.ErasureTotalLen {
		wireBytes = wireBytes[:val.ErasureTotalLen]
	}

	binding := extentBinding(val.Inode, val.LogicalOffset)
	plain := wireBytes
	if opts.EncryptCodec != nil {
		dec, err := opts.EncryptCodec.DecodeBytes(wireBytes, binding)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ferr.ErrUnrecoverableRead, err)
		}
		plain = dec
	}
	cc := codec.CodecChain{}.Init(&codec.CompressingCodec{Algorithm: val.Compression})
	orig, err := cc.DecodeBytes(plain, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ferr.ErrUnrecoverableRead, err)
	}
	return orig, nil
}

// readShard reads and checksum-verifies the single shard p points at,
// without the multi-replica fallback readOneExtent uses - a stripe has
// no alternate copy of a given shard to fall back to, only parity.
func (self *Path) readShard(p *Pointer, algo checksum.Algorithm) ([]byte, error) {
	devHandle, ok := self.Devices[p.Device]
	if !ok {
		return nil, fmt.Errorf("no device handle for member %d", p.Device)
	}
	raw, err := devHandle.ReadBlock(p.Offset)
	if err != nil {
		return nil, err
	}
	shard := raw[:p.CompressedSize]
	if err := checksum.Verify(algo, shard, p.Checksum); err != nil {
		return nil, err
	}
	return shard, nil
}

// Degraded reports whether val's live replica durability sum is below
// NrRequired.
func Degraded(val *Value) bool {
	var sum int
	for _, p := range val.Pointers {
		if !p.Errored {
			sum += durabilityPerDevice(p.Device)
		}
	}
	return sum < int(val.NrRequired)
}
