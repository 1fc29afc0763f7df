// Package shmem hosts the task registry's shared-memory region. The region is
// a fixed-size OS shared-memory object with an owned wire format:
//
//	[header: magic, format version, lock word, lock owner pid,
//	         generation counter, bucket count, used, data size]
//	[bucket slots: state, key length, value length, key bytes, value bytes]
//
// Every process on the host maps the same object and coordinates through the
// lock word in the header. The object is never deleted by this program; it
// outlives any single invocation so later processes can attach.
package shmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	magic         = uint32(0x5744524e) // "WRDN"
	formatVersion = uint32(1)

	offMagic       = 0
	offVersion     = 4
	offLockState   = 8
	offLockOwner   = 12
	offGeneration  = 16
	offBucketCount = 24
	offUsed        = 32
	offDataSize    = 40
	headerSize     = 48

	slotSize   = 1024
	slotKeyMax = 48
	slotValMax = slotSize - 64

	offSlotState  = 0
	offSlotKeyLen = 4
	offSlotValLen = 8
	offSlotKey    = 16
	offSlotVal    = 64

	slotEmpty     = uint32(0)
	slotUsed      = uint32(1)
	slotTombstone = uint32(2)

	lockFree = uint32(0)
	lockHeld = uint32(1)

	lockTimeout  = 10 * time.Second
	attachWait   = 2 * time.Second
	spinInterval = 200 * time.Microsecond
)

var (
	// ErrRegionTooSmall reports a configured size that cannot hold the lock,
	// the header and at least one bucket slot.
	ErrRegionTooSmall = errors.New("shared memory region too small for task registry")

	// ErrKeyExists reports an insert over a live key.
	ErrKeyExists = errors.New("key already present in shared map")

	// ErrRegionFull reports that no free bucket slot remains.
	ErrRegionFull = errors.New("shared map is full")

	// ErrValueTooLarge reports a key or value exceeding the fixed slot capacity.
	ErrValueTooLarge = errors.New("entry does not fit in a shared map slot")

	// ErrLockTimeout reports failure to acquire the cross-process lock.
	ErrLockTimeout = errors.New("timed out acquiring shared region lock")

	// ErrKeyAbsent reports a Replace over a missing key.
	ErrKeyAbsent = errors.New("key not present in shared map")

	errBadFormat = errors.New("shared region has unknown format")
)

// Region is one process's mapping of the shared object. The mapping itself is
// private per process; only the bytes behind it are shared.
type Region struct {
	data       []byte
	ownerAlive func(pid uint32) bool
	unmap      func() error
}

// OpenOrCreate attaches to the named shared object, creating and initializing
// it when absent. Whichever process wins the create race initializes the
// header exactly once; losers fall back to attaching. ownerAlive, when
// non-nil, lets the lock recover from a holder that died mid-critical-section
// (the only way a cooperatively released lock can leak).
func OpenOrCreate(namespace string, size int, ownerAlive func(pid uint32) bool) (*Region, error) {
	if size < headerSize+slotSize {
		return nil, ErrRegionTooSmall
	}
	data, unmap, created, err := mapShared(namespace, size)
	if err != nil {
		return nil, fmt.Errorf("open shared region %q: %w", namespace, err)
	}
	r := &Region{data: data, ownerAlive: ownerAlive, unmap: unmap}
	if created {
		r.initHeader(size)
	} else if err := r.awaitHeader(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// Close drops this process's mapping. The shared object itself stays behind.
func (r *Region) Close() error {
	if r.unmap == nil {
		return nil
	}
	err := r.unmap()
	r.unmap = nil
	r.data = nil
	return err
}

func (r *Region) initHeader(size int) {
	binary.LittleEndian.PutUint32(r.data[offVersion:], formatVersion)
	binary.LittleEndian.PutUint64(r.data[offBucketCount:], uint64((size-headerSize)/slotSize))
	binary.LittleEndian.PutUint64(r.data[offDataSize:], uint64(size-headerSize))
	// Publishing the magic last is what lets a racing attacher know the rest
	// of the header is valid.
	r.u32(offMagic).Store(magic)
}

func (r *Region) awaitHeader() error {
	deadline := time.Now().Add(attachWait)
	for r.u32(offMagic).Load() != magic {
		if time.Now().After(deadline) {
			return errBadFormat
		}
		time.Sleep(spinInterval)
	}
	if v := binary.LittleEndian.Uint32(r.data[offVersion:]); v != formatVersion {
		return fmt.Errorf("%w: version %d", errBadFormat, v)
	}
	return nil
}

func (r *Region) u32(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.data[off]))
}

func (r *Region) u64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.data[off]))
}

// lock acquires the cross-process lock. The state word and the owner pid are
// adjacent in the header and always move together in one 64-bit CAS, so the
// lock can never be observed held without its owner recorded. A holder that
// is no longer alive has its hold stolen so one crashed process cannot wedge
// the registry for the whole host; an owner of 0 never passes the liveness
// probe, so even a torn foreign write stays recoverable.
func (r *Region) lock() error {
	held := uint64(os.Getpid())<<32 | uint64(lockHeld)
	word := r.u64(offLockState)
	deadline := time.Now().Add(lockTimeout)
	for {
		if word.CompareAndSwap(0, held) {
			return nil
		}
		if cur := word.Load(); cur != 0 &&
			r.ownerAlive != nil && !r.ownerAlive(uint32(cur>>32)) {
			// Exactly one contender wins the CAS and inherits the hold.
			if word.CompareAndSwap(cur, held) {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(spinInterval)
	}
}

func (r *Region) unlock() {
	r.u64(offLockState).Store(0)
}

// View runs fn over the bucket table with the cross-process lock held. The
// *Table must not escape fn; it is only valid inside the hold.
func (r *Region) View(fn func(*Table) error) error {
	if err := r.lock(); err != nil {
		return err
	}
	defer r.unlock()
	return fn(&Table{r: r})
}

// Generation returns the mutation counter, bumped on every insert or delete.
func (r *Region) Generation() uint64 { return r.u64(offGeneration).Load() }

// Table is the view over the bucket slots, valid only while the region lock is
// held by the calling process.
type Table struct {
	r *Region
}

// KV is one well-formed row snapshot.
type KV struct {
	Key   string
	Value string
}

func (t *Table) bucketCount() int {
	return int(binary.LittleEndian.Uint64(t.r.data[offBucketCount:]))
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	return int(binary.LittleEndian.Uint64(t.r.data[offUsed:]))
}

func (t *Table) slot(i int) []byte {
	off := headerSize + i*slotSize
	return t.r.data[off : off+slotSize]
}

func slotKey(s []byte) string {
	n := binary.LittleEndian.Uint32(s[offSlotKeyLen:])
	if n > slotKeyMax {
		n = slotKeyMax
	}
	return string(s[offSlotKey : offSlotKey+int(n)])
}

func slotValue(s []byte) string {
	n := binary.LittleEndian.Uint32(s[offSlotValLen:])
	if n > slotValMax {
		n = slotValMax
	}
	return string(s[offSlotVal : offSlotVal+int(n)])
}

func keyHash(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// TryInsert stores value under key, failing with ErrKeyExists when the key is
// already live. It never replaces an existing value.
func (t *Table) TryInsert(key, value string) error {
	if len(key) > slotKeyMax || len(value) > slotValMax {
		return ErrValueTooLarge
	}
	n := t.bucketCount()
	h := keyHash(key)
	free := -1
probe:
	for i := 0; i < n; i++ {
		idx := int((h + uint64(i)) % uint64(n))
		s := t.slot(idx)
		switch binary.LittleEndian.Uint32(s[offSlotState:]) {
		case slotEmpty:
			if free < 0 {
				free = idx
			}
			break probe // the probe chain ends at the first empty slot
		case slotTombstone:
			if free < 0 {
				free = idx
			}
		case slotUsed:
			if slotKey(s) == key {
				return ErrKeyExists
			}
		}
	}
	if free < 0 {
		return ErrRegionFull
	}
	s := t.slot(free)
	binary.LittleEndian.PutUint32(s[offSlotKeyLen:], uint32(len(key)))
	binary.LittleEndian.PutUint32(s[offSlotValLen:], uint32(len(value)))
	copy(s[offSlotKey:offSlotKey+slotKeyMax], key)
	copy(s[offSlotVal:offSlotVal+slotValMax], value)
	binary.LittleEndian.PutUint32(s[offSlotState:], slotUsed)
	t.bumpUsed(1)
	return nil
}

// Get returns the live value under key.
func (t *Table) Get(key string) (string, bool) {
	n := t.bucketCount()
	h := keyHash(key)
	for i := 0; i < n; i++ {
		idx := int((h + uint64(i)) % uint64(n))
		s := t.slot(idx)
		switch binary.LittleEndian.Uint32(s[offSlotState:]) {
		case slotEmpty:
			return "", false
		case slotUsed:
			if slotKey(s) == key {
				return slotValue(s), true
			}
		}
	}
	return "", false
}

// Delete removes key and returns its prior value.
func (t *Table) Delete(key string) (string, bool) {
	n := t.bucketCount()
	h := keyHash(key)
	for i := 0; i < n; i++ {
		idx := int((h + uint64(i)) % uint64(n))
		s := t.slot(idx)
		switch binary.LittleEndian.Uint32(s[offSlotState:]) {
		case slotEmpty:
			return "", false
		case slotUsed:
			if slotKey(s) == key {
				prior := slotValue(s)
				binary.LittleEndian.PutUint32(s[offSlotState:], slotTombstone)
				t.bumpUsed(-1)
				return prior, true
			}
		}
	}
	return "", false
}

// Replace stores value under an existing key, keeping its slot. It fails when
// the key is absent.
func (t *Table) Replace(key, value string) error {
	if len(value) > slotValMax {
		return ErrValueTooLarge
	}
	n := t.bucketCount()
	h := keyHash(key)
	for i := 0; i < n; i++ {
		idx := int((h + uint64(i)) % uint64(n))
		s := t.slot(idx)
		switch binary.LittleEndian.Uint32(s[offSlotState:]) {
		case slotEmpty:
			return fmt.Errorf("replace %q: %w", key, ErrKeyAbsent)
		case slotUsed:
			if slotKey(s) == key {
				binary.LittleEndian.PutUint32(s[offSlotValLen:], uint32(len(value)))
				copy(s[offSlotVal:offSlotVal+slotValMax], value)
				t.bumpGeneration()
				return nil
			}
		}
	}
	return fmt.Errorf("replace %q: %w", key, ErrKeyAbsent)
}

// Snapshot copies all live rows out of the region. Callers operate on the
// copy after the lock is released.
func (t *Table) Snapshot() []KV {
	n := t.bucketCount()
	out := make([]KV, 0, t.Len())
	for i := 0; i < n; i++ {
		s := t.slot(i)
		if binary.LittleEndian.Uint32(s[offSlotState:]) == slotUsed {
			out = append(out, KV{Key: slotKey(s), Value: slotValue(s)})
		}
	}
	return out
}

func (t *Table) bumpUsed(delta int64) {
	used := binary.LittleEndian.Uint64(t.r.data[offUsed:])
	binary.LittleEndian.PutUint64(t.r.data[offUsed:], uint64(int64(used)+delta))
	t.bumpGeneration()
}

func (t *Table) bumpGeneration() {
	t.r.u64(offGeneration).Add(1)
}
