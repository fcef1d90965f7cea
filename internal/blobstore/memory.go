package blobstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

const memoryScheme = "mem://"

// MemoryObject is a blob held by a MemoryAccount.
type MemoryObject struct {
	Data      []byte
	CreatedAt time.Time
	Tier      model.Tier
}

// MemoryAccount is an in-process storage account. Containers created from
// the same account can copy between each other by URL.
type MemoryAccount struct {
	mu         sync.Mutex
	containers map[string]*MemoryContainer
}

// NewMemoryAccount creates an empty account.
func NewMemoryAccount() *MemoryAccount {
	return &MemoryAccount{containers: make(map[string]*MemoryContainer)}
}

// Container returns the named container, creating it on first use.
func (a *MemoryAccount) Container(name string) *MemoryContainer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.containers[name]; ok {
		return c
	}
	c := &MemoryContainer{name: name, account: a, objects: make(map[string]*MemoryObject)}
	a.containers[name] = c
	return c
}

func (a *MemoryAccount) lookup(name string) (*MemoryContainer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.containers[name]
	return c, ok
}

// MemoryContainer implements the ETL storage interfaces in memory. The Fail*
// hooks let tests inject per-object failures.
type MemoryContainer struct {
	name    string
	account *MemoryAccount

	mu      sync.Mutex
	objects map[string]*MemoryObject
	order   []string

	FailList     error
	FailDownload map[string]error
	FailCopy     map[string]error
	FailDelete   map[string]error
	FailUpload   error
	FailFinalize error
}

// Name returns the container name.
func (c *MemoryContainer) Name() string {
	return c.name
}

// Put stores an object with the given creation time.
func (c *MemoryContainer) Put(name string, data []byte, createdAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(name, &MemoryObject{Data: slices.Clone(data), CreatedAt: createdAt, Tier: model.TierHot})
}

func (c *MemoryContainer) putLocked(name string, obj *MemoryObject) {
	if _, exists := c.objects[name]; !exists {
		c.order = append(c.order, name)
	}
	c.objects[name] = obj
}

// Get returns a copy of the named object.
func (c *MemoryContainer) Get(name string) (MemoryObject, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[name]
	if !ok {
		return MemoryObject{}, false
	}
	return MemoryObject{Data: slices.Clone(obj.Data), CreatedAt: obj.CreatedAt, Tier: obj.Tier}, true
}

// Names returns object names in insertion order.
func (c *MemoryContainer) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// List returns every object in insertion order.
func (c *MemoryContainer) List(ctx context.Context) ([]model.SourceFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.FailList != nil {
		return nil, c.FailList
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	files := make([]model.SourceFile, 0, len(c.order))
	for _, name := range c.order {
		files = append(files, model.SourceFile{Name: name, CreatedAt: c.objects[name].CreatedAt, Container: c.name})
	}
	return files, nil
}

// Download returns the object payload.
func (c *MemoryContainer) Download(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.FailDownload[name]; err != nil {
		return nil, err
	}
	obj, ok := c.Get(name)
	if !ok {
		return nil, fmt.Errorf("memory: download %s/%s: %w", c.name, name, model.ErrNotFound)
	}
	return obj.Data, nil
}

// Delete removes the object.
func (c *MemoryContainer) Delete(ctx context.Context, name string, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.FailDelete[name]; err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objects[name]; !ok {
		return fmt.Errorf("memory: delete %s/%s: %w", c.name, name, model.ErrNotFound)
	}
	delete(c.objects, name)
	c.order = slices.DeleteFunc(c.order, func(n string) bool { return n == name })
	return nil
}

// URL returns mem://{container}/{name}.
func (c *MemoryContainer) URL(name string) string {
	return memoryScheme + c.name + "/" + name
}

// CopyFromURL copies an object from another container of the same account.
func (c *MemoryContainer) CopyFromURL(ctx context.Context, sourceURL, targetName string, tier model.Tier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.FailCopy[targetName]; err != nil {
		return err
	}
	rest, ok := strings.CutPrefix(sourceURL, memoryScheme)
	if !ok {
		return eris.Errorf("memory: unsupported copy source %q", sourceURL)
	}
	srcContainer, srcName, ok := strings.Cut(rest, "/")
	if !ok {
		return eris.Errorf("memory: malformed copy source %q", sourceURL)
	}
	src, ok := c.account.lookup(srcContainer)
	if !ok {
		return fmt.Errorf("memory: copy source container %s: %w", srcContainer, model.ErrNotFound)
	}
	obj, ok := src.Get(srcName)
	if !ok {
		return fmt.Errorf("memory: copy source %s: %w", sourceURL, model.ErrNotFound)
	}
	if tier == "" {
		tier = model.TierHot
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(targetName, &MemoryObject{Data: obj.Data, CreatedAt: time.Now().UTC(), Tier: tier})
	return nil
}

// Upload stores data at path, replacing any existing object.
func (c *MemoryContainer) Upload(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.FailUpload != nil {
		return c.FailUpload
	}
	c.Put(path, data, time.Now().UTC())
	return nil
}

// Finalize checks the object exists with the expected size.
func (c *MemoryContainer) Finalize(ctx context.Context, path string, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.FailFinalize != nil {
		return c.FailFinalize
	}
	obj, ok := c.Get(path)
	if !ok {
		return fmt.Errorf("memory: finalize %s/%s: %w", c.name, path, model.ErrNotFound)
	}
	if int64(len(obj.Data)) != size {
		return eris.Errorf("memory: %s/%s has %d bytes, expected %d", c.name, path, len(obj.Data), size)
	}
	return nil
}
