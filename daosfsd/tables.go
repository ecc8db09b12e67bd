package daosfsd

import (
	"context"
	"encoding/binary"
	"os"
	"time"

	"github.com/rogue-developer/daosfs/internal/fuse"
	"github.com/rogue-developer/daosfs/internal/session"
)

// rootNode is the kernel's fixed inode number for the mount root.
const rootNode = 1

// errnoNoEntry is -ENOENT in the form the kernel expects in a reply header.
const errnoNoEntry int32 = -2

// containerTable serves a mount bound to a single container. The table
// carries the operations the daemon answers itself; the data path registers
// its handlers on top of it before the session launches.
func containerTable() *session.Table {
	t := session.NewTable("container")
	registerBase(t, 0755|os.ModeDir)
	return t
}

// allPoolsTable serves a mount with no bound pool, where the top level
// enumerates every pool in the system.
func allPoolsTable() *session.Table {
	t := session.NewTable("all-pools")
	// The pool directories under the root are synthesized, so the root is
	// never writable.
	registerBase(t, 0555|os.ModeDir)
	return t
}

// registerBase installs the handlers common to every mount: root attributes,
// filesystem statistics, and the flush no-op the kernel sends on every file
// close.
func registerBase(t *session.Table, rootMode os.FileMode) {
	t.Handle(fuse.OpGetattr, rootAttrHandler(rootMode))
	t.Handle(fuse.OpStatfs, statfsHandler())
	t.Handle(fuse.OpFlush, func(context.Context, *fuse.Message) ([]byte, int32) {
		return nil, 0
	})
}

// rootAttrHandler answers attribute requests for the mount root. Other nodes
// belong to the data path; until it registers a richer handler they do not
// exist.
func rootAttrHandler(mode os.FileMode) session.HandlerFunc {
	return func(_ context.Context, msg *fuse.Message) ([]byte, int32) {
		if msg.Node != rootNode {
			return nil, errnoNoEntry
		}

		now := time.Now()
		out := make([]byte, 104)
		binary.LittleEndian.PutUint64(out[0:8], 1)                    // attr_valid seconds
		binary.LittleEndian.PutUint64(out[16:24], rootNode)           // ino
		binary.LittleEndian.PutUint64(out[40:48], uint64(now.Unix())) // atime
		binary.LittleEndian.PutUint64(out[48:56], uint64(now.Unix())) // mtime
		binary.LittleEndian.PutUint64(out[56:64], uint64(now.Unix())) // ctime
		binary.LittleEndian.PutUint32(out[76:80], unixMode(mode))
		binary.LittleEndian.PutUint32(out[80:84], 2)                  // nlink
		binary.LittleEndian.PutUint32(out[84:88], uint32(os.Getuid()))
		binary.LittleEndian.PutUint32(out[88:92], uint32(os.Getgid()))
		binary.LittleEndian.PutUint32(out[96:100], 4096) // blksize
		return out, 0
	}
}

// statfsHandler reports synthetic filesystem statistics. Real usage numbers
// come from the storage tier once the data path overrides this handler.
func statfsHandler() session.HandlerFunc {
	return func(context.Context, *fuse.Message) ([]byte, int32) {
		out := make([]byte, 80)
		binary.LittleEndian.PutUint64(out[0:8], 1<<30)   // blocks
		binary.LittleEndian.PutUint64(out[8:16], 1<<30)  // bfree
		binary.LittleEndian.PutUint64(out[16:24], 1<<30) // bavail
		binary.LittleEndian.PutUint64(out[24:32], 1<<20) // files
		binary.LittleEndian.PutUint64(out[32:40], 1<<20) // ffree
		binary.LittleEndian.PutUint32(out[40:44], 4096)  // bsize
		binary.LittleEndian.PutUint32(out[44:48], 255)   // namelen
		binary.LittleEndian.PutUint32(out[48:52], 4096)  // frsize
		return out, 0
	}
}

// unixMode converts a Go file mode into the kernel's stat mode bits.
func unixMode(m os.FileMode) uint32 {
	mode := uint32(m.Perm())
	if m.IsDir() {
		mode |= 0040000
	} else {
		mode |= 0100000
	}
	return mode
}
