//go:build linux

package daemonfx

import (
	"fmt"
	"hash/fnv"
	"unsafe"

	"golang.org/x/sys/unix"
)

// shmSegment wraps one SysV shared-memory segment (golang.org/x/sys/unix's
// Shmget/Shmat/Shmdt/Shmctl), the concrete primitive behind §4.3's
// "payload store" and, here, also behind the message ring (see
// ipc_sysv.go) — both addressed by the same (daemon exe, alias) guid so
// parent and children attach the same memory independently.
type shmSegment struct {
	id   int
	addr uintptr
	size int
	buf  []byte
}

// shmKey derives a System V key from a guid string plus a salt, so the
// payload-store segment and the message-ring segment (same guid) get
// distinct keys.
func shmKey(guid string, salt uint32) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(guid))
	_ = h.Sum32()
	return int(h.Sum32() ^ salt)
}

// openShm attaches an existing segment or creates one of size bytes.
func openShm(guid string, salt uint32, size int) (*shmSegment, error) {
	key := shmKey(guid, salt)
	id, err := unix.Shmget(key, size, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, fmt.Errorf("daemonfx: shmget: %w", err)
	}
	addr, err := unix.Shmat(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("daemonfx: shmat: %w", err)
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return &shmSegment{id: id, addr: addr, size: size, buf: buf}, nil
}

// detach detaches (but does not destroy) the segment.
func (s *shmSegment) detach() error {
	if s == nil || s.addr == 0 {
		return nil
	}
	return unix.Shmdt(s.addr)
}

// destroy marks the segment for removal (IPC_RMID); it is actually freed
// once the last process detaches.
func (s *shmSegment) destroy() error {
	if s == nil {
		return nil
	}
	var ds unix.SysvShmDesc
	_, err := unix.Shmctl(s.id, unix.IPC_RMID, &ds)
	return err
}
