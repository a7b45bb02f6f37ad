package descriptor

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"tpserve/internal/common/fsutil"
	"tpserve/internal/planner"
	"tpserve/pkg/types"
)

// FileName is the artifact name inside each tag directory.
const FileName = "deployment.json"

// NotFoundError is returned when no descriptor is stored under a tag.
type NotFoundError struct{ Tag string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("deployment %q not found", e.Tag) }

// IsNotFound reports whether err indicates a missing descriptor.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ExistsError is returned by Create when a descriptor is already stored
// under the tag.
type ExistsError struct{ Tag string }

func (e *ExistsError) Error() string { return fmt.Sprintf("deployment %q already exists", e.Tag) }

// IsExists reports whether err indicates an already stored descriptor.
func IsExists(err error) bool {
	var ee *ExistsError
	return errors.As(err, &ee)
}

// Store keeps one descriptor per tag under <dir>/<tag>/deployment.json.
type Store struct {
	dir string
	log zerolog.Logger
	mu  sync.Mutex
}

// NewStore returns a store rooted at dir. The directory is created lazily.
func NewStore(dir string, log zerolog.Logger) *Store {
	return &Store{dir: dir, log: log}
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

// Path returns where the descriptor for tag lives. Tags may contain '/',
// so the directory name is path-escaped.
func (s *Store) Path(tag string) string {
	return filepath.Join(s.dir, url.PathEscape(tag), FileName)
}

// Save validates d and writes it atomically, replacing any previous
// descriptor for the same tag.
func (s *Store) Save(d types.Descriptor) error {
	if err := Validate(d); err != nil {
		return err
	}
	b, err := Marshal(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.Path(d.Tag)
	if err := fsutil.WriteFileAtomic(p, b, 0o644); err != nil {
		return fmt.Errorf("save descriptor %q: %w", d.Tag, err)
	}
	s.log.Debug().Str("tag", d.Tag).Str("path", p).Int("replicas", len(d.Replicas)).Msg("descriptor_saved")
	return nil
}

// Create writes d like Save but fails with *ExistsError when tag is already
// stored. Claiming the tag directory is exclusive across processes sharing
// the store.
func (s *Store) Create(d types.Descriptor) error {
	if err := Validate(d); err != nil {
		return err
	}
	b, err := Marshal(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.Path(d.Tag)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create descriptor %q: %w", d.Tag, err)
	}
	switch err := os.Mkdir(filepath.Dir(p), 0o755); {
	case err == nil:
	case errors.Is(err, fs.ErrExist) && !fsutil.PathExists(p):
		// left over from an interrupted write
	case errors.Is(err, fs.ErrExist):
		return &ExistsError{Tag: d.Tag}
	default:
		return fmt.Errorf("create descriptor %q: %w", d.Tag, err)
	}
	if err := fsutil.WriteFileAtomic(p, b, 0o644); err != nil {
		return fmt.Errorf("create descriptor %q: %w", d.Tag, err)
	}
	s.log.Debug().Str("tag", d.Tag).Str("path", p).Int("replicas", len(d.Replicas)).Msg("descriptor_created")
	return nil
}

// Load reads the descriptor stored under tag.
func (s *Store) Load(tag string) (types.Descriptor, error) {
	b, err := os.ReadFile(s.Path(tag))
	if errors.Is(err, fs.ErrNotExist) {
		return types.Descriptor{}, &NotFoundError{Tag: tag}
	}
	if err != nil {
		return types.Descriptor{}, err
	}
	d, err := Unmarshal(b)
	if err != nil {
		return types.Descriptor{}, fmt.Errorf("%s: %w", s.Path(tag), err)
	}
	return d, nil
}

// Delete removes the descriptor of tag and its directory.
func (s *Store) Delete(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.Path(tag)
	if !fsutil.PathExists(p) {
		return &NotFoundError{Tag: tag}
	}
	if err := os.RemoveAll(filepath.Dir(p)); err != nil {
		return err
	}
	s.log.Debug().Str("tag", tag).Msg("descriptor_deleted")
	return nil
}

// List returns every stored descriptor ordered by tag. Unreadable entries
// are logged and skipped.
func (s *Store) List() ([]types.Descriptor, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []types.Descriptor
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(s.dir, e.Name(), FileName)
		b, err := os.ReadFile(p)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn().Err(err).Str("path", p).Msg("descriptor_unreadable")
			}
			continue
		}
		d, err := Unmarshal(b)
		if err != nil {
			s.log.Warn().Err(err).Str("path", p).Msg("descriptor_unreadable")
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// Reservations collects the shard ports held by every stored deployment
// except excludeTag.
func (s *Store) Reservations(excludeTag string) (planner.Reservations, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	res := planner.Reservations{}
	for _, d := range all {
		if d.Tag == excludeTag {
			continue
		}
		res.ReserveDescriptor(d)
	}
	return res, nil
}
