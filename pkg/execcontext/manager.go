package execcontext

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
	"github.com/core-tools/hsu-orchestrator/pkg/processstate"
)

// Manager creates and destroys execution contexts
type Manager interface {
	Create(ctx context.Context, spec Spec) (*Context, error)
	// Destroy is idempotent; destroying an already destroyed context returns nil
	Destroy(ctx context.Context, c *Context) error
}

// DependencyVolumes resolves volumes exported by dependency services
type DependencyVolumes interface {
	VolumePath(dependency, volume string) (string, error)
}

const (
	DefaultGracefulTimeout = 10 * time.Second
	groupPollInterval      = 50 * time.Millisecond
)

type Options struct {
	RuntimeDir      string
	VolumesDir      string
	Dependencies    DependencyVolumes
	GracefulTimeout time.Duration
}

// inheritedEnv is the part of the orchestrator environment passed into contexts
var inheritedEnv = []string{"PATH", "HOME", "USER", "LANG", "TZ", "TMPDIR"}

type localManager struct {
	options Options
	logger  logging.Logger
	counter uint64 // atomic
}

// NewLocalManager realizes contexts as directories under RuntimeDir with mounts as symbolic links
func NewLocalManager(options Options, logger logging.Logger) Manager {
	if options.GracefulTimeout <= 0 {
		options.GracefulTimeout = DefaultGracefulTimeout
	}
	return &localManager{
		options: options,
		logger:  logger,
	}
}

func (m *localManager) Create(ctx context.Context, spec Spec) (*Context, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("context creation cancelled", err).WithContext("context_id", spec.ID)
	}

	root, err := m.makeRoot(spec.ID)
	if err != nil {
		return nil, err
	}

	c := &Context{
		id:     spec.ID,
		root:   root,
		groups: make(map[int]int),
		done:   make(chan struct{}),
	}

	m.logger.Infof("Creating context, id: %s, root: %s", spec.ID, root)

	if err := m.populate(c, spec); err != nil {
		m.logger.Errorf("Context creation failed, id: %s, error: %v", spec.ID, err)
		c.markDestroyed()
		m.release(c)
		return nil, err
	}

	c.env = m.environ(c, spec)
	m.logger.Infof("Context created, id: %s, mounts: %d", spec.ID, len(c.mounts))
	return c, nil
}

func (m *localManager) makeRoot(id string) (string, error) {
	if err := os.MkdirAll(m.options.RuntimeDir, 0755); err != nil {
		return "", errors.NewIOError("failed to create runtime directory", err).WithContext("context_id", id)
	}
	base, err := filepath.Abs(m.options.RuntimeDir)
	if err != nil {
		return "", errors.NewIOError("failed to resolve runtime directory", err).WithContext("context_id", id)
	}

	for {
		n := atomic.AddUint64(&m.counter, 1)
		root := filepath.Join(base, fmt.Sprintf("%s-%d", id, n))
		err := os.Mkdir(root, 0755)
		if err == nil {
			return root, nil
		}
		if !os.IsExist(err) {
			return "", errors.NewIOError("failed to create context root", err).WithContext("context_id", id)
		}
	}
}

func (m *localManager) populate(c *Context, spec Spec) error {
	for _, dir := range spec.Directories {
		if err := os.MkdirAll(filepath.Join(c.root, dir), 0755); err != nil {
			return errors.NewIOError("failed to create directory "+dir, err).WithContext("context_id", spec.ID)
		}
	}

	for _, mount := range spec.Mounts {
		resolved, err := m.resolveMount(c, spec.ID, mount)
		if err != nil {
			return err
		}
		c.mounts = append(c.mounts, resolved)
	}
	return nil
}

func (m *localManager) resolveMount(c *Context, contextID string, mount Mount) (ResolvedMount, error) {
	kind := mount.Kind
	if kind == "" {
		kind = MountKindDirectory
	}
	mount.Kind = kind

	mountErr := func(message string, cause error) error {
		return errors.NewMountResolutionError(message, cause).
			WithContext("context_id", contextID).
			WithContext("source", mount.Source.String()).
			WithContext("mountpoint", mount.Mountpoint)
	}

	var base string
	if mount.Source.Dependency != "" {
		if m.options.Dependencies == nil {
			return ResolvedMount{}, mountErr("no dependency state provider for dependency volume "+mount.Source.String(), nil)
		}
		path, err := m.options.Dependencies.VolumePath(mount.Source.Dependency, mount.Source.Volume)
		if err != nil {
			return ResolvedMount{}, mountErr("dependency volume "+mount.Source.String()+" does not exist", err)
		}
		base = path
	} else {
		base = filepath.Join(m.options.VolumesDir, mount.Source.Volume)
	}

	source := base
	if mount.Subpath != "" {
		source = filepath.Join(base, mount.Subpath)
	}
	source, err := filepath.Abs(source)
	if err != nil {
		return ResolvedMount{}, mountErr("failed to resolve mount source", err)
	}

	info, err := os.Stat(source)
	if err != nil {
		return ResolvedMount{}, mountErr("mount source "+mount.Source.String()+" does not exist", err)
	}
	switch kind {
	case MountKindDirectory:
		if !info.IsDir() {
			return ResolvedMount{}, mountErr("mount source "+source+" is not a directory", nil)
		}
	case MountKindFile:
		if !info.Mode().IsRegular() {
			return ResolvedMount{}, mountErr("mount source "+source+" is not a regular file", nil)
		}
	}

	target := filepath.Join(c.root, strings.TrimPrefix(mount.Mountpoint, "/"))
	parent := filepath.Dir(target)
	if kind == MountKindFile {
		parentInfo, err := os.Stat(parent)
		if err != nil || !parentInfo.IsDir() {
			return ResolvedMount{}, mountErr("parent of file mountpoint "+mount.Mountpoint+" does not exist", err)
		}
	} else if err := os.MkdirAll(parent, 0755); err != nil {
		return ResolvedMount{}, mountErr("failed to create parent of mountpoint "+mount.Mountpoint, err)
	}

	if _, err := os.Lstat(target); err == nil {
		return ResolvedMount{}, mountErr("mountpoint "+mount.Mountpoint+" already exists", nil)
	}
	if err := os.Symlink(source, target); err != nil {
		return ResolvedMount{}, mountErr("failed to link mount "+mount.Mountpoint, err)
	}

	m.logger.Debugf("Mount resolved, context: %s, source: %s, target: %s, readonly: %t", contextID, source, target, mount.ReadOnly)
	return ResolvedMount{Mount: mount, SourcePath: source, TargetPath: target}, nil
}

func (m *localManager) environ(c *Context, spec Spec) []string {
	env := make([]string, 0, len(inheritedEnv)+len(spec.Env)+2*len(c.mounts)+2)
	for _, key := range inheritedEnv {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	env = append(env, "HSU_CONTEXT_ID="+c.id, "HSU_CONTEXT_ROOT="+c.root)
	for i, mount := range c.mounts {
		n := strconv.Itoa(i)
		env = append(env,
			"HSU_MOUNT_"+n+"="+mount.TargetPath,
			"HSU_MOUNT_RO_"+n+"="+strconv.FormatBool(mount.ReadOnly))
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	return env
}

func (m *localManager) Destroy(ctx context.Context, c *Context) error {
	if c == nil {
		return nil
	}
	if !c.markDestroyed() {
		return nil
	}

	m.logger.Infof("Destroying context, id: %s", c.id)

	m.terminateGroups(ctx, c)

	if err := m.release(c); err != nil {
		m.logger.Errorf("Context cleanup failed, id: %s, error: %v", c.id, err)
		return err
	}

	m.logger.Infof("Context destroyed, id: %s", c.id)
	return nil
}

// terminateGroups sends SIGTERM to every tracked group, waits up to the
// graceful timeout, then kills whatever is left
func (m *localManager) terminateGroups(ctx context.Context, c *Context) {
	groups := c.trackedGroups()
	if len(groups) == 0 {
		return
	}

	for _, pgid := range groups {
		m.logger.Debugf("Sending termination signal, context: %s, process group: %d", c.id, pgid)
		if err := process.SendTerminationSignal(pgid); err != nil {
			m.logger.Debugf("Termination signal failed, context: %s, process group: %d: %v", c.id, pgid, err)
		}
	}

	deadline := time.NewTimer(m.options.GracefulTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(groupPollInterval)
	defer ticker.Stop()

	for {
		alive := aliveGroups(groups)
		if len(alive) == 0 {
			return
		}
		select {
		case <-ticker.C:
			continue
		case <-deadline.C:
		case <-ctx.Done():
		}

		for _, pgid := range alive {
			m.logger.Warnf("Process group did not terminate within %v, forcing termination, context: %s, process group: %d",
				m.options.GracefulTimeout, c.id, pgid)
			if err := process.KillGroup(pgid); err != nil {
				m.logger.Warnf("Failed to kill process group, context: %s, process group: %d: %v", c.id, pgid, err)
			}
		}
		return
	}
}

func aliveGroups(groups []int) []int {
	alive := make([]int, 0, len(groups))
	for _, pgid := range groups {
		if running, err := processstate.IsGroupRunning(pgid); err == nil && running {
			alive = append(alive, pgid)
		}
	}
	return alive
}

// release removes mount links and the context root
func (m *localManager) release(c *Context) error {
	collection := errors.NewErrorCollection()
	for i := len(c.mounts) - 1; i >= 0; i-- {
		if err := os.Remove(c.mounts[i].TargetPath); err != nil && !os.IsNotExist(err) {
			collection.Add(errors.NewIOError("failed to remove mount link", err).WithContext("context_id", c.id))
		}
	}
	if err := os.RemoveAll(c.root); err != nil {
		collection.Add(errors.NewIOError("failed to remove context root", err).WithContext("context_id", c.id))
	}
	return collection.ToError()
}

// ResolvedMount is a mount realized inside a context root
type ResolvedMount struct {
	Mount
	SourcePath string
	TargetPath string
}

// Context is a live execution context. It implements process.Host.
type Context struct {
	id     string
	root   string
	mounts []ResolvedMount
	env    []string

	mutex     sync.Mutex
	groups    map[int]int // pgid -> reference count
	destroyed bool
	done      chan struct{}
}

func (c *Context) ID() string {
	return c.id
}

func (c *Context) Root() string {
	return c.root
}

func (c *Context) Mounts() []ResolvedMount {
	return append([]ResolvedMount(nil), c.mounts...)
}

func (c *Context) Environ() []string {
	return append([]string(nil), c.env...)
}

// Done is closed when the context is being destroyed
func (c *Context) Done() <-chan struct{} {
	return c.done
}

func (c *Context) Destroyed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.destroyed
}

// Track registers a process group started inside the context. A group
// started after destruction began is killed immediately. Releasing the
// group drops the leader's reference only: the group stays tracked while
// any member, e.g. a backgrounded child, is still alive.
func (c *Context) Track(pid int) func() {
	c.mutex.Lock()
	if c.destroyed {
		c.mutex.Unlock()
		process.KillGroup(pid)
		return func() {}
	}
	c.groups[pid]++
	c.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mutex.Lock()
			defer c.mutex.Unlock()
			if c.groups[pid] > 0 {
				c.groups[pid]--
			}
			c.pruneGroup(pid)
		})
	}
}

// pruneGroup forgets a released group once it has no live members. Must be
// called with the mutex held.
func (c *Context) pruneGroup(pgid int) {
	if c.groups[pgid] > 0 {
		return
	}
	if running, err := processstate.IsGroupRunning(pgid); err == nil && running {
		return
	}
	delete(c.groups, pgid)
}

// trackedGroups lists groups with a live leader or live members
func (c *Context) trackedGroups() []int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	groups := make([]int, 0, len(c.groups))
	for pgid := range c.groups {
		c.pruneGroup(pgid)
		if _, ok := c.groups[pgid]; ok {
			groups = append(groups, pgid)
		}
	}
	sort.Ints(groups)
	return groups
}

// markDestroyed flips the context to destroyed and reports whether this call did it
func (c *Context) markDestroyed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.destroyed {
		return false
	}
	c.destroyed = true
	close(c.done)
	return true
}
