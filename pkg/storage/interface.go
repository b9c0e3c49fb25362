package storage

import (
	"context"
	"time"
)

// RemoteStorage is the capability the reconciliation engine drives. Paths are
// local filesystem paths inside the synchronized root; implementations map
// them onto their own namespace.
//
// Every mutating call returns a Handle for the asynchronous operation. A
// non-nil error means the operation was never started (for example because
// there is no session); failures after start are reported through the Handle.
type RemoteStorage interface {
	// Upload publishes the current local content of path.
	Upload(ctx context.Context, path string) (*Handle, error)

	// Download fetches the remote content of path into the local filesystem.
	Download(ctx context.Context, path string) (*Handle, error)

	// Move renames src to dst in the remote namespace.
	Move(ctx context.Context, src, dst string) (*Handle, error)

	// Delete removes path from the remote namespace.
	Delete(ctx context.Context, path string) (*Handle, error)

	// Recover restores a historical version of path, both remotely and locally.
	Recover(ctx context.Context, path string, version int) (*Handle, error)

	// List returns the remote namespace as a tree.
	List(ctx context.Context) (*RemoteNode, error)

	// CheckSession reports whether operations can currently be started.
	CheckSession(ctx context.Context) error
}

// LocalFS performs the local half of remote-originated changes.
type LocalFS interface {
	Remove(path string) error
	Rename(src, dst string) error
	Exists(path string) bool
	IsDir(path string) bool
}

// RemoteNode is one entry of a remote listing.
type RemoteNode struct {
	Path        string        `json:"path"`
	IsFolder    bool          `json:"is_folder"`
	ContentHash string        `json:"content_hash,omitempty"`
	Size        int64         `json:"size"`
	ModTime     time.Time     `json:"mod_time"`
	Version     int           `json:"version"`
	Children    []*RemoteNode `json:"children,omitempty"`
}

// Flatten returns all nodes below (and including) n keyed by path.
func (n *RemoteNode) Flatten() map[string]*RemoteNode {
	result := make(map[string]*RemoteNode)
	if n == nil {
		return result
	}
	n.flatten(result)
	return result
}

func (n *RemoteNode) flatten(result map[string]*RemoteNode) {
	result[n.Path] = n
	for _, child := range n.Children {
		child.flatten(result)
	}
}

// Find resolves path in the tree rooted at n.
func (n *RemoteNode) Find(path string) *RemoteNode {
	if n == nil {
		return nil
	}
	if n.Path == path {
		return n
	}
	for _, child := range n.Children {
		if found := child.Find(path); found != nil {
			return found
		}
	}
	return nil
}
