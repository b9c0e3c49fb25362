package backends

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/TheEntropyCollective/peersync/pkg/storage"
)

const versionsDir = ".versions"

// IPFSStorage implements storage.RemoteStorage on top of the mutable file
// system (MFS) of an IPFS node. Every synchronized path lives below a single
// MFS root; superseded file contents are kept under root/.versions so that
// earlier versions can be recovered.
type IPFSStorage struct {
	endpoint   string
	localRoot  string
	remoteRoot string
	timeout    time.Duration

	mu          sync.RWMutex
	shell       *shell.Shell
	connected   bool
	connectedAt time.Time
}

// IPFSConfig configures an IPFSStorage.
type IPFSConfig struct {
	Endpoint   string        // host:port or multiaddr of the IPFS HTTP API
	LocalRoot  string        // synchronized local directory
	RemoteRoot string        // MFS directory mirroring LocalRoot
	Timeout    time.Duration // per request timeout
}

// NewIPFSStorage creates a disconnected IPFS backend. Call Connect before use.
func NewIPFSStorage(cfg IPFSConfig) (*IPFSStorage, error) {
	endpoint, err := NormalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	localRoot, err := filepath.Abs(cfg.LocalRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve local root: %w", err)
	}
	remoteRoot := cfg.RemoteRoot
	if remoteRoot == "" {
		remoteRoot = "/peersync"
	}
	if !strings.HasPrefix(remoteRoot, "/") {
		return nil, fmt.Errorf("remote root must be absolute: %s", remoteRoot)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &IPFSStorage{
		endpoint:   endpoint,
		localRoot:  localRoot,
		remoteRoot: path.Clean(remoteRoot),
		timeout:    timeout,
	}, nil
}

// NormalizeEndpoint accepts host:port or a multiaddr such as
// /ip4/127.0.0.1/tcp/5001 and returns the host:port form used by the shell.
func NormalizeEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "127.0.0.1:5001", nil
	}
	if !strings.HasPrefix(endpoint, "/") {
		return endpoint, nil
	}
	addr, err := ma.NewMultiaddr(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid IPFS API multiaddr %q: %w", endpoint, err)
	}
	netAddr, err := manet.ToNetAddr(addr)
	if err != nil {
		return "", fmt.Errorf("unsupported IPFS API multiaddr %q: %w", endpoint, err)
	}
	return netAddr.String(), nil
}

// Connect establishes the session with the IPFS node and creates the MFS root.
func (s *IPFSStorage) Connect(ctx context.Context) error {
	sh := shell.NewShell(s.endpoint)
	sh.SetTimeout(s.timeout)

	if _, err := sh.ID(); err != nil {
		return storage.NewStorageError(storage.ErrCodeNoPeerConnection, "connect", s.endpoint, err)
	}
	if err := sh.FilesMkdir(ctx, s.remoteRoot, shell.FilesMkdir.Parents(true)); err != nil {
		return storage.ClassifyError(err, "connect", s.remoteRoot)
	}

	s.mu.Lock()
	s.shell = sh
	s.connected = true
	s.connectedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Disconnect drops the session. In-flight operations keep their shell.
func (s *IPFSStorage) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.shell = nil
	s.mu.Unlock()
	return nil
}

// CheckSession implements storage.RemoteStorage.
func (s *IPFSStorage) CheckSession(ctx context.Context) error {
	sh, err := s.session("check")
	if err != nil {
		return err
	}
	if !sh.IsUp() {
		return storage.NewStorageError(storage.ErrCodeNoPeerConnection, "check", s.endpoint, nil)
	}
	return nil
}

func (s *IPFSStorage) session(op string) (*shell.Shell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected || s.shell == nil {
		return nil, storage.NewStorageError(storage.ErrCodeNoSession, op, "", nil)
	}
	return s.shell, nil
}

// remotePath maps a local path inside the sync root onto the MFS namespace.
func (s *IPFSStorage) remotePath(op, localPath string) (string, error) {
	if err := storage.ValidatePathInBounds(localPath, s.localRoot); err != nil {
		return "", storage.NewStorageError(storage.ErrCodeIllegalFileLocation, op, localPath, err)
	}
	rel, err := filepath.Rel(s.localRoot, localPath)
	if err != nil {
		return "", storage.NewStorageError(storage.ErrCodeIllegalFileLocation, op, localPath, err)
	}
	if rel == "." {
		return s.remoteRoot, nil
	}
	return path.Join(s.remoteRoot, filepath.ToSlash(rel)), nil
}

func (s *IPFSStorage) localPath(remote string) string {
	rel := strings.TrimPrefix(strings.TrimPrefix(remote, s.remoteRoot), "/")
	return filepath.Join(s.localRoot, filepath.FromSlash(rel))
}

func (s *IPFSStorage) versionDir(remote string) string {
	rel := strings.TrimPrefix(strings.TrimPrefix(remote, s.remoteRoot), "/")
	return path.Join(s.remoteRoot, versionsDir, rel)
}

// prepare resolves the session and remote path for an operation.
func (s *IPFSStorage) prepare(op, localPath string) (*shell.Shell, string, error) {
	sh, err := s.session(op)
	if err != nil {
		return nil, "", err
	}
	remote, err := s.remotePath(op, localPath)
	if err != nil {
		return nil, "", err
	}
	return sh, remote, nil
}

// Upload implements storage.RemoteStorage.
func (s *IPFSStorage) Upload(ctx context.Context, localPath string) (*storage.Handle, error) {
	sh, remote, err := s.prepare("upload", localPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, storage.NewStorageError(storage.ErrCodeIllegalFileLocation, "upload", localPath, err)
	}

	return storage.Go(ctx, func(ctx context.Context) error {
		if info.IsDir() {
			err := sh.FilesMkdir(ctx, remote, shell.FilesMkdir.Parents(true))
			return storage.ClassifyError(err, "upload", localPath)
		}

		if err := s.archive(ctx, sh, remote); err != nil {
			return storage.ClassifyError(err, "upload", localPath)
		}

		f, err := os.Open(localPath)
		if err != nil {
			return storage.NewStorageError(storage.ErrCodeIllegalFileLocation, "upload", localPath, err)
		}
		defer f.Close()

		err = sh.FilesWrite(ctx, remote, f,
			shell.FilesWrite.Create(true),
			shell.FilesWrite.Parents(true),
			shell.FilesWrite.Truncate(true),
		)
		return storage.ClassifyError(err, "upload", localPath)
	}), nil
}

// archive copies the current remote content of a file into its version
// directory before it gets overwritten.
func (s *IPFSStorage) archive(ctx context.Context, sh *shell.Shell, remote string) error {
	stat, err := sh.FilesStat(ctx, remote)
	if err != nil {
		// Nothing to archive for a new file.
		return nil
	}
	if stat.Type == "directory" {
		return nil
	}

	vdir := s.versionDir(remote)
	if err := sh.FilesMkdir(ctx, vdir, shell.FilesMkdir.Parents(true)); err != nil {
		return err
	}
	versions, err := s.versions(ctx, sh, remote)
	if err != nil {
		return err
	}
	return sh.FilesCp(ctx, "/ipfs/"+stat.Hash, path.Join(vdir, strconv.Itoa(len(versions))))
}

// versions returns the archived version numbers of remote in ascending order.
func (s *IPFSStorage) versions(ctx context.Context, sh *shell.Shell, remote string) ([]int, error) {
	entries, err := sh.FilesLs(ctx, s.versionDir(remote))
	if err != nil {
		return nil, nil
	}
	var result []int
	for _, entry := range entries {
		if n, err := strconv.Atoi(entry.Name); err == nil {
			result = append(result, n)
		}
	}
	sort.Ints(result)
	return result, nil
}

// Download implements storage.RemoteStorage.
func (s *IPFSStorage) Download(ctx context.Context, localPath string) (*storage.Handle, error) {
	sh, remote, err := s.prepare("download", localPath)
	if err != nil {
		return nil, err
	}

	return storage.Go(ctx, func(ctx context.Context) error {
		stat, err := sh.FilesStat(ctx, remote)
		if err != nil {
			return storage.ClassifyError(err, "download", localPath)
		}
		if stat.Type == "directory" {
			if err := os.MkdirAll(localPath, 0755); err != nil {
				return storage.NewStorageError(storage.ErrCodeProcessExecution, "download", localPath, err)
			}
			return nil
		}

		reader, err := sh.FilesRead(ctx, remote)
		if err != nil {
			return storage.ClassifyError(err, "download", localPath)
		}
		defer reader.Close()
		return writeLocal(localPath, reader)
	}), nil
}

// writeLocal replaces localPath with the content of r via a temporary file.
func writeLocal(localPath string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return storage.NewStorageError(storage.ErrCodeProcessExecution, "download", localPath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".peersync-*")
	if err != nil {
		return storage.NewStorageError(storage.ErrCodeProcessExecution, "download", localPath, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return storage.ClassifyError(err, "download", localPath)
	}
	if err := tmp.Close(); err != nil {
		return storage.NewStorageError(storage.ErrCodeProcessExecution, "download", localPath, err)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return storage.NewStorageError(storage.ErrCodeProcessExecution, "download", localPath, err)
	}
	return nil
}

// Move implements storage.RemoteStorage.
func (s *IPFSStorage) Move(ctx context.Context, src, dst string) (*storage.Handle, error) {
	sh, remoteSrc, err := s.prepare("move", src)
	if err != nil {
		return nil, err
	}
	remoteDst, err := s.remotePath("move", dst)
	if err != nil {
		return nil, err
	}

	return storage.Go(ctx, func(ctx context.Context) error {
		if err := sh.FilesMkdir(ctx, path.Dir(remoteDst), shell.FilesMkdir.Parents(true)); err != nil {
			return storage.ClassifyError(err, "move", dst)
		}
		if err := sh.FilesMv(ctx, remoteSrc, remoteDst); err != nil {
			return storage.ClassifyError(err, "move", src)
		}
		// Version history follows the file; a missing history is fine.
		from, to := s.versionDir(remoteSrc), s.versionDir(remoteDst)
		if _, err := sh.FilesStat(ctx, from); err == nil {
			if err := sh.FilesMkdir(ctx, path.Dir(to), shell.FilesMkdir.Parents(true)); err == nil {
				_ = sh.FilesMv(ctx, from, to)
			}
		}
		return nil
	}), nil
}

// Delete implements storage.RemoteStorage.
func (s *IPFSStorage) Delete(ctx context.Context, localPath string) (*storage.Handle, error) {
	sh, remote, err := s.prepare("delete", localPath)
	if err != nil {
		return nil, err
	}
	if remote == s.remoteRoot {
		return nil, storage.NewStorageError(storage.ErrCodeIllegalFileLocation, "delete", localPath, fmt.Errorf("refusing to delete the sync root"))
	}

	return storage.Go(ctx, func(ctx context.Context) error {
		if err := sh.FilesRm(ctx, remote, true); err != nil {
			return storage.ClassifyError(err, "delete", localPath)
		}
		return nil
	}), nil
}

// Recover implements storage.RemoteStorage. The recovered content becomes
// the newest remote version and is written to the local path.
func (s *IPFSStorage) Recover(ctx context.Context, localPath string, version int) (*storage.Handle, error) {
	sh, remote, err := s.prepare("recover", localPath)
	if err != nil {
		return nil, err
	}
	if version < 0 {
		return nil, storage.NewStorageError(storage.ErrCodeInvalidProcessState, "recover", localPath, fmt.Errorf("negative version %d", version))
	}

	return storage.Go(ctx, func(ctx context.Context) error {
		versions, err := s.versions(ctx, sh, remote)
		if err != nil {
			return storage.ClassifyError(err, "recover", localPath)
		}
		if i := sort.SearchInts(versions, version); i == len(versions) || versions[i] != version {
			return storage.NewStorageError(storage.ErrCodeInvalidProcessState, "recover", localPath, fmt.Errorf("version %d not found", version))
		}

		source := path.Join(s.versionDir(remote), strconv.Itoa(version))
		if err := s.archive(ctx, sh, remote); err != nil {
			return storage.ClassifyError(err, "recover", localPath)
		}
		_ = sh.FilesRm(ctx, remote, true)
		if err := sh.FilesCp(ctx, source, remote); err != nil {
			return storage.ClassifyError(err, "recover", localPath)
		}

		reader, err := sh.FilesRead(ctx, remote)
		if err != nil {
			return storage.ClassifyError(err, "recover", localPath)
		}
		defer reader.Close()
		return writeLocal(localPath, reader)
	}), nil
}

// List implements storage.RemoteStorage.
func (s *IPFSStorage) List(ctx context.Context) (*storage.RemoteNode, error) {
	sh, err := s.session("list")
	if err != nil {
		return nil, err
	}
	root := &storage.RemoteNode{Path: s.localRoot, IsFolder: true}
	if err := s.listInto(ctx, sh, s.remoteRoot, root); err != nil {
		return nil, storage.ClassifyError(err, "list", s.localRoot)
	}
	return root, nil
}

func (s *IPFSStorage) listInto(ctx context.Context, sh *shell.Shell, remoteDir string, parent *storage.RemoteNode) error {
	entries, err := sh.FilesLs(ctx, remoteDir, shell.FilesLs.Stat(true))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if remoteDir == s.remoteRoot && entry.Name == versionsDir {
			continue
		}
		remote := path.Join(remoteDir, entry.Name)
		node := &storage.RemoteNode{
			Path:        s.localPath(remote),
			IsFolder:    entry.Type == shell.TDirectory,
			ContentHash: entry.Hash,
			Size:        int64(entry.Size),
		}
		if node.IsFolder {
			if err := s.listInto(ctx, sh, remote, node); err != nil {
				return err
			}
		} else if versions, err := s.versions(ctx, sh, remote); err == nil {
			node.Version = len(versions)
		}
		parent.Children = append(parent.Children, node)
	}
	return nil
}
