package shmsync

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

const MaxChannelNameLength = 128

var invalidChannelName = regexp.MustCompile(`[^A-Za-z0-9\-\.]+`)

// Registry resolves channel names to shared memory segments on the
// local filesystem. It is explicit, injectable state: two endpoints
// rendezvous only when they use the same directory and namespace, so
// tests can run many channels in one process without OS-level name
// collisions.
type Registry struct {
	dir       string
	namespace string
}

// DefaultRegistry places segments under /dev/shm when available and
// falls back to the system temporary directory.
func DefaultRegistry() *Registry {
	return &Registry{dir: defaultSegmentDir()}
}

// NewRegistry places segments under dir. An empty namespace is valid
// and maps a name straight to its segment file.
func NewRegistry(dir, namespace string) (*Registry, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: registry directory must not be empty", ErrInvalidCfg)
	}
	if namespace != "" {
		if err := ValidateName(namespace); err != nil {
			return nil, err
		}
	}
	return &Registry{dir: dir, namespace: namespace}, nil
}

// EphemeralRegistry namespaces segments with a random identifier,
// keeping concurrent test or benchmark runs out of each other's way.
func EphemeralRegistry(dir string) *Registry {
	if dir == "" {
		dir = defaultSegmentDir()
	}
	return &Registry{dir: dir, namespace: uuid.NewString()}
}

// Dir returns the directory holding the registry's segment files.
func (r *Registry) Dir() string {
	return r.dir
}

// Namespace returns the registry's namespace, possibly empty.
func (r *Registry) Namespace() string {
	return r.namespace
}

// SegmentPath resolves a channel name to its backing file. The name
// must already be validated.
func (r *Registry) SegmentPath(name string) string {
	base := "shmsync_" + name
	if r.namespace != "" {
		base = "shmsync_" + r.namespace + "_" + name
	}
	return filepath.Join(r.dir, base)
}

// Exists reports whether a segment for name is currently present.
func (r *Registry) Exists(name string) bool {
	_, err := os.Stat(r.SegmentPath(name))
	return err == nil
}

// ValidateName rejects channel names that cannot be encoded into a
// segment file name shared across processes.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxChannelNameLength {
		return ErrNameInvalid
	}
	if invalidChannelName.MatchString(name) {
		return ErrNameInvalid
	}
	return nil
}

func defaultSegmentDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}
