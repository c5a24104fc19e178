// Package files implements the coding agent's file tools: a working
// directory, a working file, reads, writes and a revision journal that lets
// the user revert the assistant's last change to a file.
package files

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klubi/repomanager/internal/store"
	v1alpha1 "github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

var (
	ErrNoDirectory      = errors.New("no working directory set")
	ErrNoWorkingFile    = errors.New("no working file set; ask the user which file to use")
	ErrOutsideWorkspace = errors.New("path is outside the working directory")
	ErrNothingToRevert  = errors.New("no changes to revert")
	ErrNotADirectory    = errors.New("not a directory")
)

const (
	// maxFileBytes caps how much of one file read_all_files includes.
	maxFileBytes = 64 << 10
	// maxTotalBytes caps the whole read_all_files output.
	maxTotalBytes = 512 << 10
)

// skipDirs are never descended into when listing or searching.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"bin":          true,
	"obj":          true,
}

// Workspace holds the working directory and working file shared by the
// file tools. All methods are safe for concurrent use; side effects are
// serialized.
type Workspace struct {
	mu       sync.Mutex
	root     string
	resolved string // root with symlinks resolved
	id       string
	file     string
	nextSeq  int

	store  store.Store
	logger *zap.Logger
}

// NewWorkspace creates a workspace with no directory set. Revisions are
// journaled in s.
func NewWorkspace(s store.Store, logger *zap.Logger) *Workspace {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workspace{
		store:  s,
		logger: logger.With(zap.String("component", "workspace")),
	}
}

// WorkspaceID derives a stable journal scope from an absolute directory, so
// revisions survive restarts of the same project.
func WorkspaceID(dir string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+dir)).String()
}

// SetDirectory makes dir the working directory and clears the working file.
func (w *Workspace) SetDirectory(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotADirectory, abs)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}

	id := WorkspaceID(abs)
	next, err := w.nextRevisionSeq(id)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.root = abs
	w.resolved = resolved
	w.id = id
	w.file = ""
	w.nextSeq = next

	w.logger.Info("working directory set", zap.String("dir", abs), zap.String("workspace", id))
	return abs, nil
}

// Directory returns the working directory, or "" when unset.
func (w *Workspace) Directory() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.root
}

// ID returns the journal scope of the current directory.
func (w *Workspace) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// WorkingFile returns the working file relative to the directory.
func (w *Workspace) WorkingFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == "" {
		return ""
	}
	return w.rel(w.file)
}

// SetFile selects the working file. A bare file name that does not exist at
// the top level is searched for in subdirectories, preferring the shallowest
// match. Unknown names become a new file at the given path.
func (w *Workspace) SetFile(name string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.root == "" {
		return "", ErrNoDirectory
	}
	path, err := w.resolve(name)
	if err != nil {
		return "", err
	}

	if _, statErr := os.Stat(path); statErr != nil && !strings.ContainsAny(name, `/\`) {
		if found, ok := w.search(filepath.Base(name)); ok {
			path = found
		}
	}

	w.file = path
	w.logger.Info("working file set", zap.String("file", w.rel(path)))
	return w.rel(path), nil
}

// Read returns the content of name, or of the working file when name is
// empty.
func (w *Workspace) Read(name string) (string, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path, err := w.target(name)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	return w.rel(path), string(data), nil
}

// Update overwrites name (or the working file) with content, journaling the
// previous content first. Writing identical content is a no-op and reports
// changed=false.
func (w *Workspace) Update(name, content string) (rel string, changed bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path, err := w.target(name)
	if err != nil {
		return "", false, err
	}
	rel = w.rel(path)

	prev, readErr := os.ReadFile(path)
	existed := readErr == nil
	if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
		return rel, false, readErr
	}
	if existed && string(prev) == content {
		return rel, false, nil
	}

	rev := &v1alpha1.FileRevision{
		TypeMeta: v1alpha1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindFileRevision},
		Metadata: v1alpha1.ObjectMeta{
			Name:      store.SeqName(w.nextSeq),
			UID:       uuid.NewString(),
			CreatedAt: time.Now(),
		},
		Workspace: w.id,
		Seq:       w.nextSeq,
		Path:      rel,
		Existed:   existed,
		Content:   string(prev),
	}
	key := store.ResourceKey(v1alpha1.KindFileRevision, w.id, rev.Metadata.Name)
	if err := w.store.Create(key, rev); err != nil {
		return rel, false, fmt.Errorf("recording revision for %s: %w", rel, err)
	}
	w.nextSeq++

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return rel, false, err
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return rel, false, err
	}

	w.logger.Info("file updated",
		zap.String("file", rel),
		zap.Bool("existed", existed),
		zap.Int("revision", rev.Seq),
	)
	return rel, true, nil
}

// Revert restores name (or the working file) to the content it had before
// the most recent Update, and drops that revision.
func (w *Workspace) Revert(name string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path, err := w.target(name)
	if err != nil {
		return "", err
	}
	rel := w.rel(path)

	objs, err := w.store.List(store.ScopePrefix(v1alpha1.KindFileRevision, w.id), func() interface{} {
		return &v1alpha1.FileRevision{}
	})
	if err != nil {
		return rel, err
	}

	var latest *v1alpha1.FileRevision
	for i := len(objs) - 1; i >= 0; i-- {
		rev := objs[i].(*v1alpha1.FileRevision)
		if rev.Path == rel {
			latest = rev
			break
		}
	}
	if latest == nil {
		return rel, fmt.Errorf("%w: %s", ErrNothingToRevert, rel)
	}

	if latest.Existed {
		if err := os.WriteFile(path, []byte(latest.Content), 0644); err != nil {
			return rel, err
		}
	} else if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return rel, err
	}

	key := store.ResourceKey(v1alpha1.KindFileRevision, w.id, latest.Metadata.Name)
	if err := w.store.Delete(key); err != nil {
		return rel, fmt.Errorf("dropping revision %d: %w", latest.Seq, err)
	}

	w.logger.Info("file reverted", zap.String("file", rel), zap.Int("revision", latest.Seq))
	return rel, nil
}

// List returns every file under the working directory, relative and in
// lexical order.
func (w *Workspace) List() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.root == "" {
		return nil, ErrNoDirectory
	}
	var out []string
	err := w.walk(func(path string) {
		out = append(out, w.rel(path))
	})
	return out, err
}

// ReadAll concatenates the text files under the working directory, each
// preceded by a header line. Binary files are skipped and large files are
// truncated.
func (w *Workspace) ReadAll() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.root == "" {
		return "", ErrNoDirectory
	}

	var b strings.Builder
	var walkErr error
	err := w.walk(func(path string) {
		if walkErr != nil || b.Len() >= maxTotalBytes {
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			walkErr = err
			return
		}
		if bytes.IndexByte(data, 0) >= 0 {
			return
		}
		truncated := false
		if len(data) > maxFileBytes {
			data = data[:maxFileBytes]
			truncated = true
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n", w.rel(path), data)
		if truncated {
			b.WriteString("... (truncated)\n")
		}
	})
	if err != nil {
		return "", err
	}
	if walkErr != nil {
		return "", walkErr
	}
	if b.Len() >= maxTotalBytes {
		b.WriteString("... (output limit reached)\n")
	}
	return b.String(), nil
}

// target resolves name, falling back to the working file. Callers hold mu.
func (w *Workspace) target(name string) (string, error) {
	if w.root == "" {
		return "", ErrNoDirectory
	}
	if name == "" {
		if w.file == "" {
			return "", ErrNoWorkingFile
		}
		name = w.file
	}
	return w.resolve(name)
}

// resolve maps name to an absolute path confined to the working directory.
func (w *Workspace) resolve(name string) (string, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, path)
	}
	path = filepath.Clean(path)

	if !within(w.root, path) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, name)
	}

	// Symlinks inside the directory must not lead out of it. The deepest
	// existing ancestor is resolved; the rest of the path does not exist yet.
	existing := path
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", name, err)
	}
	if !within(w.resolved, resolved) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, name)
	}
	return path, nil
}

// within reports whether path is base or lies below it.
func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// search finds base anywhere under the root. Shallower paths win, then
// lexical order.
func (w *Workspace) search(base string) (string, bool) {
	var matches []string
	_ = w.walk(func(path string) {
		if filepath.Base(path) == base {
			matches = append(matches, path)
		}
	})
	if len(matches) == 0 {
		return "", false
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return strings.Count(matches[i], string(filepath.Separator)) <
			strings.Count(matches[j], string(filepath.Separator))
	})
	return matches[0], true
}

// walk visits every regular file under the root, skipping tool and
// dependency directories.
func (w *Workspace) walk(fn func(path string)) error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			fn(path)
		}
		return nil
	})
}

func (w *Workspace) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// nextRevisionSeq returns one past the highest revision already journaled
// for the workspace.
func (w *Workspace) nextRevisionSeq(id string) (int, error) {
	objs, err := w.store.List(store.ScopePrefix(v1alpha1.KindFileRevision, id), func() interface{} {
		return &v1alpha1.FileRevision{}
	})
	if err != nil {
		return 0, fmt.Errorf("loading revisions: %w", err)
	}
	next := 1
	for _, obj := range objs {
		if rev := obj.(*v1alpha1.FileRevision); rev.Seq >= next {
			next = rev.Seq + 1
		}
	}
	return next, nil
}
