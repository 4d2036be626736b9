package statestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Store persists named JSON documents under a single root directory.
// Each document is wrapped in an envelope carrying a schema version and a
// SHA-256 checksum of the canonical (sorted-key) payload encoding. Writes
// are atomic (temp file + rename on the same filesystem) and every
// overwrite first archives the prior file as a timestamped backup.
//
// The store is single-process by design; per-name mutexes serialize
// concurrent goroutines but no cross-process file locking is attempted.
type Store struct {
	root       string
	maxBackups int
	logger     *log.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	migrationsMu sync.Mutex
	migrations   map[string][]migration
}

type migration struct {
	from, to int
	fn       func(map[string]any) (map[string]any, error)
}

type envelope struct {
	Version   int             `json:"version"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Checksum  string          `json:"checksum"`
}

// SaveOptions tune a single Save call. The zero value saves an
// unversioned (version 1), non-sensitive, unvalidated document.
type SaveOptions struct {
	// Sensitive files are written mode 0600 and verified on load.
	Sensitive bool
	// Schema, when set, must accept the payload or Save fails with
	// SchemaError and leaves the prior file untouched.
	Schema *jsonschema.Schema
	// Version stored in the envelope; 0 means 1.
	Version int
}

type LoadOptions struct {
	Sensitive bool
	Schema    *jsonschema.Schema
	// TargetVersion, when greater than the stored version, applies
	// registered migrations in ascending order.
	TargetVersion int
	// AllowRecovery falls back to the most recent intact backup when the
	// primary file is missing or corrupted.
	AllowRecovery bool
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

const backupTimeLayout = "20060102T150405.000000000Z"

func New(root string, maxBackups int, logger *log.Logger) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[statestore] ", log.LstdFlags)
	}
	if err := os.MkdirAll(filepath.Join(root, "backups"), 0o755); err != nil {
		return nil, err
	}
	return &Store{
		root:       root,
		maxBackups: maxBackups,
		logger:     logger,
		locks:      map[string]*sync.Mutex{},
		migrations: map[string][]migration{},
	}, nil
}

func (s *Store) Root() string { return s.root }

// Path returns the on-disk location a document name resolves to, without
// touching the filesystem.
func (s *Store) Path(name string) (string, error) {
	if !nameRe.MatchString(name) {
		return "", fmt.Errorf("invalid state name %q", name)
	}
	return filepath.Join(s.root, name+".json"), nil
}

func (s *Store) lock(name string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu := s.locks[name]
	if mu == nil {
		mu = &sync.Mutex{}
		s.locks[name] = mu
	}
	return mu
}

// Save writes payload under name and returns the target path. The target
// is only ever the prior document or the new one, never a partial write.
func (s *Store) Save(name string, payload any, opts SaveOptions) (string, error) {
	path, err := s.Path(name)
	if err != nil {
		return "", err
	}
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("encode state %q: %w", name, err)
	}
	if opts.Schema != nil {
		var decoded any
		if err := json.Unmarshal(canonical, &decoded); err != nil {
			return "", fmt.Errorf("decode state %q for validation: %w", name, err)
		}
		if err := opts.Schema.Validate(decoded); err != nil {
			return "", &SchemaError{Name: name, Err: err}
		}
	}
	version := opts.Version
	if version <= 0 {
		version = 1
	}
	env := envelope{
		Version:   version,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      canonical,
		Checksum:  checksumHex(canonical),
	}
	b, err := json.MarshalIndent(&env, "", "  ")
	if err != nil {
		return "", err
	}

	mu := s.lock(name)
	mu.Lock()
	defer mu.Unlock()

	if err := s.rejectSymlink(path); err != nil {
		return "", err
	}
	if _, err := os.Lstat(path); err == nil {
		// Backup is best-effort: a failed archive is reported but never
		// blocks the save.
		if _, berr := s.backupLocked(name, path); berr != nil {
			s.logger.Printf("WARN: backup %s before save: %v", name, berr)
		}
	}

	mode := os.FileMode(0o644)
	if opts.Sensitive {
		mode = 0o600
	}
	if err := writeFileAtomic(path, b, mode); err != nil {
		return "", fmt.Errorf("write state %q: %w", name, err)
	}
	return path, nil
}

// Load reads the document saved under name and decodes its payload into
// out (a pointer). It returns ErrNotFound when nothing exists.
func (s *Store) Load(name string, out any, opts LoadOptions) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}

	mu := s.lock(name)
	mu.Lock()
	defer mu.Unlock()

	data, version, err := s.readVerified(name, path, opts.Sensitive)
	if err != nil {
		if !opts.AllowRecovery {
			return err
		}
		recovered, rver, rerr := s.recoverFromBackups(name, opts.Sensitive)
		if rerr != nil {
			// Surface the original failure; recovery exhaustion is secondary.
			return err
		}
		s.logger.Printf("WARN: state %q recovered from backup: %v", name, err)
		data, version = recovered, rver
	}

	payload := map[string]any{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return &CorruptionError{Name: name, Path: path, Reason: "payload is not a JSON object: " + err.Error()}
	}
	if opts.TargetVersion > version {
		payload, err = s.migrate(name, payload, version, opts.TargetVersion)
		if err != nil {
			return err
		}
	}
	if opts.Schema != nil {
		var decoded any
		b, _ := json.Marshal(payload)
		if err := json.Unmarshal(b, &decoded); err != nil {
			return err
		}
		if err := opts.Schema.Validate(decoded); err != nil {
			return &SchemaError{Name: name, Err: err}
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Exists reports whether a primary document is present for name.
func (s *Store) Exists(name string) bool {
	path, err := s.Path(name)
	if err != nil {
		return false
	}
	_, err = os.Lstat(path)
	return err == nil
}

// Delete archives the current document as a backup and removes it.
func (s *Store) Delete(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	mu := s.lock(name)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if _, err := s.backupLocked(name, path); err != nil {
		return fmt.Errorf("archive %q before delete: %w", name, err)
	}
	return os.Remove(path)
}

// ListBackups returns backup paths for name, most recent first.
func (s *Store) ListBackups(name string) ([]string, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid state name %q", name)
	}
	pattern := filepath.Join(s.root, "backups", name+".*.backup")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, err
	}
	// Backup timestamps sort lexicographically; newest last in ascending order.
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

func (s *Store) backupLocked(name, path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	ts := time.Now().UTC().Format(backupTimeLayout)
	dst := filepath.Join(s.root, "backups", fmt.Sprintf("%s.%s.backup", name, ts))
	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	if err := writeFileAtomic(dst, b, mode); err != nil {
		return "", err
	}
	s.pruneBackupsLocked(name)
	return dst, nil
}

func (s *Store) pruneBackupsLocked(name string) {
	backups, err := s.ListBackups(name)
	if err != nil {
		s.logger.Printf("WARN: list backups for %q: %v", name, err)
		return
	}
	for _, stale := range backups[min(len(backups), s.maxBackups):] {
		if err := os.Remove(stale); err != nil {
			s.logger.Printf("WARN: prune backup %s: %v", stale, err)
		}
	}
}

// readVerified reads path, checks the envelope checksum and (for
// sensitive documents) the file mode, and returns the raw payload bytes
// plus the stored version.
func (s *Store) readVerified(name, path string, sensitive bool) (json.RawMessage, int, error) {
	if err := s.rejectSymlink(path); err != nil {
		return nil, 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	if sensitive && info.Mode().Perm()&0o077 != 0 {
		return nil, 0, &PermissionError{Name: name, Path: path, Mode: info.Mode()}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, 0, &CorruptionError{Name: name, Path: path, Reason: "malformed envelope: " + err.Error()}
	}
	canonical, err := canonicalJSON(env.Data)
	if err != nil {
		return nil, 0, &CorruptionError{Name: name, Path: path, Reason: "malformed payload: " + err.Error()}
	}
	if got := checksumHex(canonical); got != env.Checksum {
		return nil, 0, &CorruptionError{
			Name: name, Path: path,
			Reason: fmt.Sprintf("checksum mismatch (stored %s, computed %s)", env.Checksum, got),
		}
	}
	version := env.Version
	if version <= 0 {
		version = 1
	}
	return canonical, version, nil
}

func (s *Store) recoverFromBackups(name string, sensitive bool) (json.RawMessage, int, error) {
	backups, err := s.ListBackups(name)
	if err != nil {
		return nil, 0, err
	}
	for _, path := range backups {
		data, version, err := s.readVerified(name, path, sensitive)
		if err == nil {
			return data, version, nil
		}
	}
	return nil, 0, ErrNotFound
}

func (s *Store) rejectSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("state path %s is a symlink; refusing to follow", path)
	}
	return nil
}

// canonicalJSON re-encodes v with object keys sorted, which is what the
// checksum is computed over. encoding/json already sorts map keys; the
// round-trip through `any` normalizes struct field order too.
func canonicalJSON(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, err
	}
	return json.Marshal(decoded)
}

func checksumHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// writeFileAtomic writes data to a temp file in the target's directory
// and renames it over the target. The rename is atomic because the temp
// file shares the target's filesystem.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath) // no-op after a successful rename
	}()
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
