package interceptor

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ruteri/tee-confidential-io/encryption"
	"github.com/ruteri/tee-confidential-io/interfaces"
	"github.com/ruteri/tee-confidential-io/metrics"
	"github.com/ruteri/tee-confidential-io/securemem"
)

// digestSuffix names the companion object recording the sealed object's
// integrity digest.
const digestSuffix = ".sha256"

// Config carries the interceptor's injected dependencies.
type Config struct {
	Policy PolicyConfig
	Keys   interfaces.KeyService
	Enc    *encryption.Handler
	Store  interfaces.ObjectStore
	Memory *securemem.Manager
	Log    *slog.Logger
}

// Interceptor routes logical file I/O through the protection policy. One
// instance owns its open handles; Shutdown wipes every staging buffer still
// live.
type Interceptor struct {
	policy  *Policy
	keys    interfaces.KeyService
	enc     *encryption.Handler
	store   interfaces.ObjectStore
	memory  *securemem.Manager
	log     *slog.Logger
	padding bool
	minPad  uint

	mu       sync.Mutex
	override *interfaces.ProtectionMode
	writers  map[string]*IoContext
	open     map[*IoContext]struct{}
	down     bool
}

// New validates the policy and builds an interceptor.
func New(cfg Config) (*Interceptor, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Keys == nil || cfg.Enc == nil || cfg.Store == nil || cfg.Memory == nil {
		return nil, fmt.Errorf("%w: key service, encryption handler, store and memory manager are required", interfaces.ErrInvalidArgument)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Interceptor{
		policy:  NewPolicy(cfg.Policy),
		keys:    cfg.Keys,
		enc:     cfg.Enc,
		store:   cfg.Store,
		memory:  cfg.Memory,
		log:     log,
		padding: cfg.Policy.EnableRandomPadding,
		minPad:  cfg.Policy.MinPaddingSize,
		writers: make(map[string]*IoContext),
		open:    make(map[*IoContext]struct{}),
	}, nil
}

// IoContext is one open logical object. It is owned by the opener; sharing
// one across goroutines requires external synchronization.
type IoContext struct {
	icp      *Interceptor
	path     string
	mode     interfaces.ProtectionMode
	purpose  interfaces.PurposeLabel
	key      interfaces.SubKeyRef
	writable bool

	mu         sync.Mutex
	closed     bool
	staging    interfaces.BufferID
	hasStaging bool
	size       int
	readOff    int
	discarded  int
}

// Path returns the logical path the context was opened for.
func (c *IoContext) Path() string { return c.path }

// Mode returns the protection mode the policy assigned.
func (c *IoContext) Mode() interfaces.ProtectionMode { return c.mode }

// WithMode overrides the default protection mode until the returned restore
// function runs. Whitelisted paths stay protected; the override only moves
// paths that would otherwise fall to the configured default. Overrides nest.
func (i *Interceptor) WithMode(mode interfaces.ProtectionMode) func() {
	i.mu.Lock()
	prev := i.override
	i.override = &mode
	i.mu.Unlock()

	return func() {
		i.mu.Lock()
		i.override = prev
		i.mu.Unlock()
	}
}

// decide runs path validation and the policy lookup shared by both open
// paths.
func (i *Interceptor) decide(path string) (Decision, error) {
	if err := interfaces.ValidatePath(path); err != nil {
		return Decision{}, err
	}

	d := i.policy.Decide(path)

	i.mu.Lock()
	if d.Mode != interfaces.ModeEncrypt && i.override != nil {
		d.Mode = *i.override
	}
	i.mu.Unlock()
	return d, nil
}

// OpenForWrite opens a logical object for writing. BLOCK paths are denied
// here, before any staging or key issuance. A path already open for writing
// is denied a second handle; two writers interleaving chunks under one
// encryption context would corrupt the object.
func (i *Interceptor) OpenForWrite(ctx context.Context, path string) (*IoContext, error) {
	d, err := i.decide(path)
	if err != nil {
		return nil, err
	}
	metrics.IoOperations.WithLabelValues("open_write", d.Mode.String()).Inc()

	if d.Mode == interfaces.ModeBlock {
		metrics.PolicyDenials.Inc()
		i.log.Info("write denied by policy", slog.String("path", path))
		return nil, fmt.Errorf("%w: %s", interfaces.ErrPolicyDenied, path)
	}

	ioc := &IoContext{
		icp:      i,
		path:     path,
		mode:     d.Mode,
		purpose:  d.Purpose,
		writable: true,
	}

	if d.Mode == interfaces.ModeEncrypt {
		key, err := i.keys.DeriveSubKey(d.Purpose)
		if err != nil {
			result := "error"
			if errors.Is(err, interfaces.ErrKeyRevoked) {
				result = "revoked"
			}
			metrics.KeyDerivations.WithLabelValues(result).Inc()
			return nil, fmt.Errorf("issuing key for %s: %w", path, err)
		}
		metrics.KeyDerivations.WithLabelValues("ok").Inc()
		ioc.key = key
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.down {
		return nil, interfaces.ErrContextClosed
	}
	if _, busy := i.writers[path]; busy {
		metrics.PolicyDenials.Inc()
		return nil, fmt.Errorf("%w: %s already open for writing", interfaces.ErrPolicyDenied, path)
	}
	i.writers[path] = ioc
	i.open[ioc] = struct{}{}
	return ioc, nil
}

// OpenForRead opens a logical object for reading. For protected paths the
// sealed object is fetched, authenticated and decrypted into a staging buffer
// before the first Read returns; an object failing authentication never
// yields a single plaintext byte.
func (i *Interceptor) OpenForRead(ctx context.Context, path string) (*IoContext, error) {
	d, err := i.decide(path)
	if err != nil {
		return nil, err
	}
	metrics.IoOperations.WithLabelValues("open_read", d.Mode.String()).Inc()

	if d.Mode == interfaces.ModeBlock {
		metrics.PolicyDenials.Inc()
		i.log.Info("read denied by policy", slog.String("path", path))
		return nil, fmt.Errorf("%w: %s", interfaces.ErrPolicyDenied, path)
	}

	i.mu.Lock()
	if i.down {
		i.mu.Unlock()
		return nil, interfaces.ErrContextClosed
	}
	if _, busy := i.writers[path]; busy {
		i.mu.Unlock()
		metrics.PolicyDenials.Inc()
		return nil, fmt.Errorf("%w: %s has an open write handle", interfaces.ErrPolicyDenied, path)
	}
	i.mu.Unlock()

	ioc := &IoContext{
		icp:     i,
		path:    path,
		mode:    d.Mode,
		purpose: d.Purpose,
	}

	data, err := i.store.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", path, err)
	}

	var plaintext []byte
	if d.Mode == interfaces.ModeEncrypt {
		plaintext, err = i.openSealed(path, d.Purpose, data)
		if err != nil {
			return nil, err
		}
	} else {
		plaintext = data
	}

	if len(plaintext) > 0 {
		buf, err := i.memory.Seal(plaintext, interfaces.PlaintextStaging)
		if err != nil {
			return nil, fmt.Errorf("staging %s: %w", path, err)
		}
		ioc.staging = buf.ID()
		ioc.hasStaging = true
		ioc.size = buf.Size()
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.down {
		if ioc.hasStaging {
			i.memory.WipeAndFree(ioc.staging)
		}
		return nil, interfaces.ErrContextClosed
	}
	i.open[ioc] = struct{}{}
	return ioc, nil
}

// openSealed authenticates and decrypts a sealed object, walking back from
// the active key version so objects sealed before a rotation stay readable.
func (i *Interceptor) openSealed(path string, purpose interfaces.PurposeLabel, sealed []byte) ([]byte, error) {
	active, err := i.keys.DeriveSubKey(purpose)
	if err != nil {
		return nil, fmt.Errorf("issuing key for %s: %w", path, err)
	}

	try := func(key interfaces.SubKeyRef) ([]byte, error) {
		ectx, err := i.enc.Open(path, key, encryption.ObjectHeader{})
		if err != nil {
			return nil, err
		}
		defer i.enc.Close(ectx)
		return i.enc.OpenObject(ectx, sealed)
	}

	plaintext, err := try(active)
	for version := active.Version; err != nil && errors.Is(err, interfaces.ErrAuthenticationFailed) && version > 1; version-- {
		var old interfaces.SubKeyRef
		old, err = i.keys.SubKeyForVersion(purpose, version-1)
		if err != nil {
			break
		}
		plaintext, err = try(old)
	}
	if err != nil {
		if errors.Is(err, interfaces.ErrAuthenticationFailed) {
			metrics.AuthFailures.Inc()
			i.log.Error("sealed object rejected", slog.String("path", path))
		}
		return nil, err
	}
	return plaintext, nil
}

// Write stages plaintext for a protected object, or discards it under IGNORE
// while still reporting success. Callers cannot tell the two apart by the
// return value; the discard is visible only as a diagnostic event.
func (c *IoContext) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, interfaces.ErrContextClosed
	}
	if !c.writable {
		return 0, fmt.Errorf("%w: %s opened for reading", interfaces.ErrInvalidArgument, c.path)
	}

	switch c.mode {
	case interfaces.ModeIgnore:
		c.discarded += len(p)
		metrics.DiscardedWrites.Inc()
		c.icp.log.Debug("write discarded by policy",
			slog.String("path", c.path),
			slog.Int("bytes", len(p)))
		return len(p), nil

	default:
		if len(p) == 0 {
			return 0, nil
		}
		if err := c.stage(p); err != nil {
			return 0, err
		}
		c.size += len(p)
		return len(p), nil
	}
}

// stage appends plaintext to the staging buffer, allocating it on first use.
// Caller holds c.mu.
func (c *IoContext) stage(p []byte) error {
	if !c.hasStaging {
		buf, err := c.icp.memory.Allocate(len(p), interfaces.PlaintextStaging)
		if err != nil {
			return fmt.Errorf("staging %s: %w", c.path, err)
		}
		c.staging = buf.ID()
		c.hasStaging = true
		return c.icp.memory.WithBytes(c.staging, func(dst []byte) error {
			copy(dst, p)
			return nil
		})
	}
	return c.icp.memory.Append(c.staging, p)
}

// Read copies decrypted bytes out of the staging buffer. Returns io.EOF at
// the end of the object.
func (c *IoContext) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, interfaces.ErrContextClosed
	}
	if c.writable {
		return 0, fmt.Errorf("%w: %s opened for writing", interfaces.ErrInvalidArgument, c.path)
	}
	if c.readOff >= c.size {
		return 0, io.EOF
	}

	var n int
	err := c.icp.memory.WithBytes(c.staging, func(data []byte) error {
		n = copy(p, data[c.readOff:])
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.readOff += n
	return n, nil
}

// Close finishes the handle. For a protected write this is where the object
// is padded, sealed, persisted and its integrity digest recorded; everything
// before Close is staging only. On every path the staging buffer is wiped,
// including early-exit errors.
func (c *IoContext) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return interfaces.ErrContextClosed
	}
	c.closed = true

	defer func() {
		if c.hasStaging {
			if err := c.icp.memory.WipeAndFree(c.staging); err != nil {
				c.icp.log.Warn("staging buffer already released", slog.String("path", c.path))
			}
			c.hasStaging = false
		}
		c.icp.release(c)
	}()

	if !c.writable {
		return nil
	}

	if c.mode == interfaces.ModeIgnore {
		c.icp.log.Info("discarded write on close",
			slog.String("path", c.path),
			slog.Int("bytes", c.discarded))
		return nil
	}

	return c.seal(ctx)
}

// seal pads, encrypts and persists the staged plaintext. Caller holds c.mu.
func (c *IoContext) seal(ctx context.Context) error {
	padLen := 0
	if c.icp.padding && c.size < int(c.icp.minPad) {
		padLen = int(c.icp.minPad) - c.size
		pad := make([]byte, padLen)
		if _, err := rand.Read(pad); err != nil {
			return fmt.Errorf("generating padding: %w", err)
		}
		if err := c.stage(pad); err != nil {
			return err
		}
	}

	header := encryption.ObjectHeader{PaddingLen: uint16(padLen)}
	ectx, err := c.icp.enc.Open(c.path, c.key, header)
	if err != nil {
		return err
	}
	defer c.icp.enc.Close(ectx)

	var sealed []byte
	if c.hasStaging {
		err = c.icp.memory.WithBytes(c.staging, func(pt []byte) error {
			sealed, err = c.icp.enc.SealObject(ectx, pt)
			return err
		})
	} else {
		sealed, err = c.icp.enc.SealObject(ectx, nil)
	}
	if err != nil {
		return fmt.Errorf("sealing %s: %w", c.path, err)
	}

	if err := c.icp.store.Put(ctx, c.path, sealed); err != nil {
		return fmt.Errorf("persisting %s: %w", c.path, err)
	}

	digest := sha256.Sum256(sealed)
	if err := c.icp.store.Put(ctx, c.path+digestSuffix, []byte(hex.EncodeToString(digest[:]))); err != nil {
		// The object itself is durable; a missing digest only degrades
		// Inspect.
		c.icp.log.Warn("failed to record integrity digest",
			slog.String("path", c.path), "err", err)
	}

	metrics.SealedBytes.Add(float64(c.size))
	c.icp.log.Debug("object sealed",
		slog.String("path", c.path),
		slog.Int("plaintext_bytes", c.size),
		slog.Int("sealed_bytes", len(sealed)),
		slog.Uint64("key_version", uint64(c.key.Version)))
	return nil
}

func (i *Interceptor) release(c *IoContext) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.open, c)
	if c.writable && i.writers[c.path] == c {
		delete(i.writers, c.path)
	}
}

// ObjectInfo is the metadata Inspect reports for a stored object.
type ObjectInfo struct {
	Path           string                    `json:"path"`
	Mode           interfaces.ProtectionMode `json:"-"`
	SealedSize     int                       `json:"sealed_size"`
	Digest         string                    `json:"digest"`
	DigestVerified bool                      `json:"digest_verified"`
}

// Inspect reports the stored state of an object without decrypting it: its
// sealed size, its SHA-256 digest, and whether the digest matches the one
// recorded at seal time.
func (i *Interceptor) Inspect(ctx context.Context, path string) (ObjectInfo, error) {
	d, err := i.decide(path)
	if err != nil {
		return ObjectInfo{}, err
	}

	data, err := i.store.Get(ctx, path)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("fetching %s: %w", path, err)
	}

	digest := sha256.Sum256(data)
	info := ObjectInfo{
		Path:       path,
		Mode:       d.Mode,
		SealedSize: len(data),
		Digest:     hex.EncodeToString(digest[:]),
	}

	recorded, err := i.store.Get(ctx, path+digestSuffix)
	if err == nil {
		info.DigestVerified = string(recorded) == info.Digest
	}
	return info, nil
}

// Delete removes an object and its digest companion.
func (i *Interceptor) Delete(ctx context.Context, path string) error {
	if err := interfaces.ValidatePath(path); err != nil {
		return err
	}
	if err := i.store.Delete(ctx, path); err != nil {
		return err
	}
	return i.store.Delete(ctx, path+digestSuffix)
}

// Shutdown closes the interceptor. Open handles are abandoned: their staging
// buffers are wiped without persisting anything, so plaintext never outlives
// the instance.
func (i *Interceptor) Shutdown() {
	i.mu.Lock()
	i.down = true
	open := make([]*IoContext, 0, len(i.open))
	for c := range i.open {
		open = append(open, c)
	}
	i.open = make(map[*IoContext]struct{})
	i.writers = make(map[string]*IoContext)
	i.mu.Unlock()

	for _, c := range open {
		c.mu.Lock()
		if !c.closed {
			c.closed = true
			i.log.Warn("abandoning open handle at shutdown", slog.String("path", c.path))
			if c.hasStaging {
				if err := i.memory.WipeAndFree(c.staging); err != nil {
					i.log.Warn("staging buffer already released", slog.String("path", c.path))
				}
				c.hasStaging = false
			}
		}
		c.mu.Unlock()
	}
}
