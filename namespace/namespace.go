package namespace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/faasten/faasten/blobstore"
	"github.com/faasten/faasten/buckle"
	"github.com/faasten/faasten/internal/store"
)

// Namespace is the labeled global namespace: a thin, label-checking
// layer over a transactional KV store and a content-addressed blob store.
type Namespace struct {
	kv    store.KV
	blobs *blobstore.Store
}

// New constructs a Namespace over kv and blobs.
func New(kv store.KV, blobs *blobstore.Store) *Namespace {
	return &Namespace{kv: kv, blobs: blobs}
}

func entityKey(id ID) []byte {
	return []byte("entity:" + id.String())
}

// Bootstrap creates the root directory if it does not already exist,
// labeled PUBLIC. The root always exists after this.
func (ns *Namespace) Bootstrap(ctx context.Context) error {
	_, _, err := ns.getEntity(ctx, Root)
	if err == nil {
		return nil
	}
	if err != ErrNotFound {
		return err
	}
	root := newDirEntity(Root, buckle.Public())
	return ns.putNewEntity(ctx, root)
}

func (ns *Namespace) getEntity(ctx context.Context, id ID) (*Entity, int64, error) {
	raw, version, err := ns.kv.Get(ctx, entityKey(id))
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrBackingStoreError, err)
	}
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, 0, fmt.Errorf("%w: corrupt entity record: %v", ErrBackingStoreError, err)
	}
	return &e, version, nil
}

func (ns *Namespace) putNewEntity(ctx context.Context, e *Entity) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackingStoreError, err)
	}
	if _, err := ns.kv.Put(ctx, entityKey(e.ID), raw, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrBackingStoreError, err)
	}
	return nil
}

func encodeEntity(e *Entity) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackingStoreError, err)
	}
	return raw, nil
}

// Lookup resolves name within parent, raising lcur by label(parent).
func (ns *Namespace) Lookup(ctx context.Context, lcur buckle.Label, parent ID, name string) (DirEntry, buckle.Label, error) {
	e, _, err := ns.getEntity(ctx, parent)
	if err != nil {
		return DirEntry{}, lcur, err
	}
	if e.Kind != KindDir {
		return DirEntry{}, lcur, ErrWrongKind
	}
	newLcur := buckle.Join(lcur, e.Label)
	entry, ok := e.Dir.Entries[name]
	if !ok {
		return DirEntry{}, newLcur, ErrNotFound
	}
	return entry, newLcur, nil
}

// List returns dir's name→kind map, raising lcur by label(dir).
func (ns *Namespace) List(ctx context.Context, lcur buckle.Label, dir ID) (map[string]Kind, buckle.Label, error) {
	e, _, err := ns.getEntity(ctx, dir)
	if err != nil {
		return nil, lcur, err
	}
	if e.Kind != KindDir {
		return nil, lcur, ErrWrongKind
	}
	newLcur := buckle.Join(lcur, e.Label)
	out := make(map[string]Kind, len(e.Dir.Entries))
	for name, entry := range e.Dir.Entries {
		out[name] = entry.Kind
	}
	return out, newLcur, nil
}

// CreateOpts is the kind-specific payload for Create, exactly one of which
// should be set for the chosen Kind.
type CreateOpts struct {
	File       *FileData
	Gate       *GateData
	Service    *ServiceData
	BlobHandle *BlobHandleData
	// FacetedDir and Dir need no payload beyond an empty map.
}

// Create makes a new entity of kind, labeled label, and links it into
// parent under name. Both the link (Lcur ⊑ label(parent)) and the new
// entity's own write check (Lcur ⊑ label) are enforced.
func (ns *Namespace) Create(ctx context.Context, lcur buckle.Label, parent ID, name string, kind Kind, label buckle.Label, opts CreateOpts) (ID, buckle.Label, error) {
	parentEntity, parentVersion, err := ns.getEntity(ctx, parent)
	if err != nil {
		return ID{}, lcur, err
	}
	if parentEntity.Kind != KindDir {
		return ID{}, lcur, ErrWrongKind
	}
	newLcur := buckle.Join(lcur, parentEntity.Label)

	if !newLcur.FlowsTo(parentEntity.Label) {
		return ID{}, newLcur, ErrLabelCheckFailed
	}
	if !newLcur.FlowsTo(label) {
		return ID{}, newLcur, ErrLabelCheckFailed
	}
	if _, exists := parentEntity.Dir.Entries[name]; exists {
		return ID{}, newLcur, ErrAlreadyExists
	}

	id := uuid.New()
	entity := &Entity{ID: id, Kind: kind, Label: label}
	switch kind {
	case KindDir:
		entity.Dir = &DirData{Entries: map[string]DirEntry{}}
	case KindFacetedDir:
		entity.Faceted = &FacetedData{Facets: map[string]ID{}}
	case KindFile:
		fd := opts.File
		if fd == nil {
			fd = &FileData{}
		}
		entity.File = fd
	case KindGate:
		if opts.Gate == nil {
			return ID{}, newLcur, fmt.Errorf("%w: gate requires GateData", ErrWrongKind)
		}
		entity.Gate = opts.Gate
	case KindService:
		if opts.Service == nil {
			return ID{}, newLcur, fmt.Errorf("%w: service requires ServiceData", ErrWrongKind)
		}
		entity.Service = opts.Service
	case KindBlobHandle:
		if opts.BlobHandle == nil {
			return ID{}, newLcur, fmt.Errorf("%w: blob handle requires BlobHandleData", ErrWrongKind)
		}
		entity.BlobHandle = opts.BlobHandle
	default:
		return ID{}, newLcur, ErrWrongKind
	}

	entityRaw, err := encodeEntity(entity)
	if err != nil {
		return ID{}, newLcur, err
	}
	parentEntity.Dir.Entries[name] = DirEntry{Kind: kind, Target: id}
	parentRaw, err := encodeEntity(parentEntity)
	if err != nil {
		return ID{}, newLcur, err
	}

	err = ns.kv.Commit(ctx, []store.Op{
		{Key: entityKey(id), Value: entityRaw, Version: 0},
		{Key: entityKey(parent), Value: parentRaw, Version: parentVersion},
	})
	if err != nil {
		return ID{}, newLcur, fmt.Errorf("%w: %v", ErrBackingStoreError, err)
	}
	return id, newLcur, nil
}

// Read returns file's contents, raising lcur by label(file).
func (ns *Namespace) Read(ctx context.Context, lcur buckle.Label, file ID) ([]byte, buckle.Label, error) {
	e, _, err := ns.getEntity(ctx, file)
	if err != nil {
		return nil, lcur, err
	}
	if e.Kind != KindFile {
		return nil, lcur, ErrWrongKind
	}
	newLcur := buckle.Join(lcur, e.Label)
	out := make([]byte, len(e.File.Content))
	copy(out, e.File.Content)
	return out, newLcur, nil
}

// Write replaces file's contents. No raise occurs; both Lcur ⊑ label(file)
// and label(file) ⊑ Lcur must hold at commit time.
func (ns *Namespace) Write(ctx context.Context, lcur buckle.Label, file ID, content []byte) (buckle.Label, error) {
	e, version, err := ns.getEntity(ctx, file)
	if err != nil {
		return lcur, err
	}
	if e.Kind != KindFile {
		return lcur, ErrWrongKind
	}
	if !lcur.FlowsTo(e.Label) || !e.Label.FlowsTo(lcur) {
		return lcur, ErrLabelCheckFailed
	}
	e.File = &FileData{Content: append([]byte(nil), content...)}
	raw, err := encodeEntity(e)
	if err != nil {
		return lcur, err
	}
	if _, err := ns.kv.Put(ctx, entityKey(file), raw, version); err != nil {
		return lcur, fmt.Errorf("%w: %v", ErrBackingStoreError, err)
	}
	return lcur, nil
}

// Link idempotently binds name to target within dir: raises lcur by
// label(dir) and requires Lcur ⊑ label(dir).
func (ns *Namespace) Link(ctx context.Context, lcur buckle.Label, dir ID, name string, target ID, targetKind Kind) (buckle.Label, error) {
	e, version, err := ns.getEntity(ctx, dir)
	if err != nil {
		return lcur, err
	}
	if e.Kind != KindDir {
		return lcur, ErrWrongKind
	}
	newLcur := buckle.Join(lcur, e.Label)
	if !newLcur.FlowsTo(e.Label) {
		return newLcur, ErrLabelCheckFailed
	}
	if existing, ok := e.Dir.Entries[name]; ok {
		if existing.Target == target {
			return newLcur, nil
		}
		return newLcur, ErrAlreadyExists
	}
	e.Dir.Entries[name] = DirEntry{Kind: targetKind, Target: target}
	raw, err := encodeEntity(e)
	if err != nil {
		return newLcur, err
	}
	if _, err := ns.kv.Put(ctx, entityKey(dir), raw, version); err != nil {
		return newLcur, fmt.Errorf("%w: %v", ErrBackingStoreError, err)
	}
	return newLcur, nil
}

// Unlink removes name from dir: raises lcur by label(dir) and requires
// Lcur ⊑ label(dir). No garbage collection occurs.
func (ns *Namespace) Unlink(ctx context.Context, lcur buckle.Label, dir ID, name string) (buckle.Label, error) {
	e, version, err := ns.getEntity(ctx, dir)
	if err != nil {
		return lcur, err
	}
	if e.Kind != KindDir {
		return lcur, ErrWrongKind
	}
	newLcur := buckle.Join(lcur, e.Label)
	if !newLcur.FlowsTo(e.Label) {
		return newLcur, ErrLabelCheckFailed
	}
	if _, ok := e.Dir.Entries[name]; !ok {
		return newLcur, ErrNotFound
	}
	delete(e.Dir.Entries, name)
	raw, err := encodeEntity(e)
	if err != nil {
		return newLcur, err
	}
	if _, err := ns.kv.Put(ctx, entityKey(dir), raw, version); err != nil {
		return newLcur, fmt.Errorf("%w: %v", ErrBackingStoreError, err)
	}
	return newLcur, nil
}

// OpenFaceted traverses into the child directory of faceted dir f keyed by
// facet, auto-creating it (labeled facet) on first access. lcur is raised
// by label(f) but NOT by facet itself.
func (ns *Namespace) OpenFaceted(ctx context.Context, lcur buckle.Label, f ID, facet buckle.Label) (ID, buckle.Label, error) {
	e, version, err := ns.getEntity(ctx, f)
	if err != nil {
		return ID{}, lcur, err
	}
	if e.Kind != KindFacetedDir {
		return ID{}, lcur, ErrWrongKind
	}
	newLcur := buckle.Join(lcur, e.Label)

	key := facet.String()
	if childID, ok := e.Faceted.Facets[key]; ok {
		return childID, newLcur, nil
	}

	childID := uuid.New()
	child := newDirEntity(childID, facet)
	childRaw, err := encodeEntity(child)
	if err != nil {
		return ID{}, newLcur, err
	}
	e.Faceted.Facets[key] = childID
	parentRaw, err := encodeEntity(e)
	if err != nil {
		return ID{}, newLcur, err
	}
	err = ns.kv.Commit(ctx, []store.Op{
		{Key: entityKey(childID), Value: childRaw, Version: 0},
		{Key: entityKey(f), Value: parentRaw, Version: version},
	})
	if err != nil {
		return ID{}, newLcur, fmt.Errorf("%w: %v", ErrBackingStoreError, err)
	}
	return childID, newLcur, nil
}

// ListFaceted returns the facets of f whose label flows to clearance,
// raising lcur by label(f).
func (ns *Namespace) ListFaceted(ctx context.Context, lcur buckle.Label, f ID, clearance buckle.Label) (map[string]ID, buckle.Label, error) {
	e, _, err := ns.getEntity(ctx, f)
	if err != nil {
		return nil, lcur, err
	}
	if e.Kind != KindFacetedDir {
		return nil, lcur, ErrWrongKind
	}
	newLcur := buckle.Join(lcur, e.Label)
	out := map[string]ID{}
	for key, id := range e.Faceted.Facets {
		label, err := buckle.Parse(key)
		if err != nil {
			continue
		}
		if label.FlowsTo(clearance) {
			out[key] = id
		}
	}
	return out, newLcur, nil
}

// GetEntity fetches an entity without any label check, for internal callers
// (the monitor's fd table, the gate invocation protocol) that already know
// the caller is entitled to see it because they hold its id.
func (ns *Namespace) GetEntity(ctx context.Context, id ID) (*Entity, error) {
	e, _, err := ns.getEntity(ctx, id)
	return e, err
}

// GetBlob resolves a blob handle entity to its blob id, raising lcur by
// label(handle).
func (ns *Namespace) GetBlob(ctx context.Context, lcur buckle.Label, handle ID) (blobstore.BlobID, buckle.Label, error) {
	e, _, err := ns.getEntity(ctx, handle)
	if err != nil {
		return "", lcur, err
	}
	if e.Kind != KindBlobHandle {
		return "", lcur, ErrWrongKind
	}
	newLcur := buckle.Join(lcur, e.Label)
	return e.BlobHandle.BlobID, newLcur, nil
}

// UpdateGate replaces a gate's stored fields in place. No label raise: the caller must
// already hold the gate's id and is expected to have performed whatever
// authorization the administrative surface requires.
func (ns *Namespace) UpdateGate(ctx context.Context, id ID, g *GateData) error {
	e, version, err := ns.getEntity(ctx, id)
	if err != nil {
		return err
	}
	if e.Kind != KindGate {
		return ErrWrongKind
	}
	e.Gate = g
	raw, err := encodeEntity(e)
	if err != nil {
		return err
	}
	if _, err := ns.kv.Put(ctx, entityKey(id), raw, version); err != nil {
		return fmt.Errorf("%w: %v", ErrBackingStoreError, err)
	}
	return nil
}
