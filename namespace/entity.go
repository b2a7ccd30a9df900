// Package namespace implements the labeled global namespace:
// directories, files, faceted directories, gates, services and blob
// handles, each carrying a label fixed at creation, backed by a
// transactional compare-and-swap byte store.
package namespace

import (
	"github.com/google/uuid"

	"github.com/faasten/faasten/blobstore"
	"github.com/faasten/faasten/buckle"
)

// ID is the opaque 128-bit entity identifier assigned at creation and
// never reused.
type ID = uuid.UUID

// Root is the well-known identifier naming the root directory.
var Root ID = uuid.Nil

// Kind discriminates the tagged-sum entity representation.
type Kind string

const (
	KindDir        Kind = "dir"
	KindFile       Kind = "file"
	KindFacetedDir Kind = "faceted_dir"
	KindGate       Kind = "gate"
	KindService    Kind = "service"
	KindBlobHandle Kind = "blob_handle"
)

// DirEntry is one name→(kind, target) edge of a directory.
type DirEntry struct {
	Kind   Kind `json:"kind"`
	Target ID   `json:"target"`
}

// DirData is the contents of a Directory entity.
type DirData struct {
	Entries map[string]DirEntry `json:"entries"`
}

// FileData is the contents of a File entity: a whole-value byte array.
type FileData struct {
	Content []byte `json:"content"`
}

// FacetedData maps a facet's canonical label text to the id of the child
// directory auto-created for it.
type FacetedData struct {
	Facets map[string]ID `json:"facets"`
}

// FunctionRef names the snapshot material a direct gate launches, mirroring
// the scheduler RPC's Function message.
type FunctionRef struct {
	Memory       uint64 `json:"memory"`
	AppImageBlob string `json:"app_image_blob"`
	RuntimeBlob  string `json:"runtime_blob"`
	KernelBlob   string `json:"kernel_blob"`
}

// GateData is a gate: direct (FunctionRef set) or redirect (TargetGate set).
type GateData struct {
	Privilege                 buckle.Privilege `json:"privilege"`
	InvokerIntegrityClearance buckle.Component `json:"invoker_integrity_clearance"`
	Declassify                buckle.Component `json:"declassify"`
	FunctionRef               *FunctionRef     `json:"function_ref,omitempty"`
	TargetGate                *ID              `json:"target_gate,omitempty"`
}

// IsRedirect reports whether g is a redirect gate.
func (g *GateData) IsRedirect() bool { return g.TargetGate != nil }

// ServiceData is an external service gate.
type ServiceData struct {
	Privilege                 buckle.Privilege  `json:"privilege"`
	InvokerIntegrityClearance buckle.Component  `json:"invoker_integrity_clearance"`
	Taint                     buckle.Label      `json:"taint"`
	URL                       string            `json:"url"`
	Verb                      string            `json:"verb"`
	Headers                   map[string]string `json:"headers"`
}

// BlobHandleData references a finalized blob in the blob store.
type BlobHandleData struct {
	BlobID blobstore.BlobID `json:"blob_id"`
}

// Entity is the tagged sum over {Dir, File, FacetedDir, Gate, Service,
// BlobHandle}: exactly one of the kind-specific fields is set,
// matching Kind.
type Entity struct {
	ID    ID           `json:"id"`
	Kind  Kind         `json:"kind"`
	Label buckle.Label `json:"label"`

	Dir        *DirData        `json:"dir,omitempty"`
	File       *FileData       `json:"file,omitempty"`
	Faceted    *FacetedData    `json:"faceted,omitempty"`
	Gate       *GateData       `json:"gate,omitempty"`
	Service    *ServiceData    `json:"service,omitempty"`
	BlobHandle *BlobHandleData `json:"blob_handle,omitempty"`
}

func newDirEntity(id ID, label buckle.Label) *Entity {
	return &Entity{ID: id, Kind: KindDir, Label: label, Dir: &DirData{Entries: map[string]DirEntry{}}}
}
