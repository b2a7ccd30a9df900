package namespace

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/faasten/faasten/blobstore"
	"github.com/faasten/faasten/buckle"
	"github.com/faasten/faasten/internal/store"
)

func newTestNamespace(t *testing.T) *Namespace {
	t.Helper()
	kv, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ns.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	bs, err := blobstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}
	ns := New(kv, bs)
	if err := ns.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return ns
}

func mustLabel(t *testing.T, s string) buckle.Label {
	t.Helper()
	l, err := buckle.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return l
}

func TestBootstrapIdempotent(t *testing.T) {
	ns := newTestNamespace(t)
	if err := ns.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	e, err := ns.GetEntity(context.Background(), Root)
	if err != nil {
		t.Fatalf("GetEntity(Root): %v", err)
	}
	if !e.Label.Equal(buckle.Public()) {
		t.Fatalf("root label = %v, want PUBLIC", e.Label)
	}
}

func TestCreateLookupList(t *testing.T) {
	ctx := context.Background()
	ns := newTestNamespace(t)
	pub := buckle.Public()

	id, lcur, err := ns.Create(ctx, pub, Root, "greeting", KindFile, pub, CreateOpts{
		File: &FileData{Content: []byte("hello")},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !lcur.Equal(pub) {
		t.Fatalf("lcur after Create on PUBLIC root = %v, want PUBLIC", lcur)
	}

	entry, _, err := ns.Lookup(ctx, pub, Root, "greeting")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.Target != id || entry.Kind != KindFile {
		t.Fatalf("Lookup returned %+v, want id=%v kind=%v", entry, id, KindFile)
	}

	names, _, err := ns.List(ctx, pub, Root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if names["greeting"] != KindFile {
		t.Fatalf("List missing greeting: %+v", names)
	}

	if _, _, err := ns.Create(ctx, pub, Root, "greeting", KindFile, pub, CreateOpts{}); err != ErrAlreadyExists {
		t.Fatalf("duplicate Create: got %v, want ErrAlreadyExists", err)
	}
}

// TestNoWriteUp: a low-clearance principal that
// has read a secret file may not write to a public one, and an attempt to
// write a file from underneath a lower label must fail the flows-to check.
func TestNoWriteUp(t *testing.T) {
	ctx := context.Background()
	ns := newTestNamespace(t)
	pub := buckle.Public()
	secret := mustLabel(t, "alice,alice")

	fileID, _, err := ns.Create(ctx, pub, Root, "f", KindFile, pub, CreateOpts{
		File: &FileData{Content: []byte("public")},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Having read into a secret context, Lcur is now secret and may not
	// flow down to overwrite the PUBLIC file.
	if _, err := ns.Write(ctx, secret, fileID, []byte("leak")); err != ErrLabelCheckFailed {
		t.Fatalf("write-down: got %v, want ErrLabelCheckFailed", err)
	}

	content, _, err := ns.Read(ctx, pub, fileID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(content) != "public" {
		t.Fatalf("write-down must not have applied, got %q", content)
	}

	if _, err := ns.Write(ctx, pub, fileID, []byte("ok")); err != nil {
		t.Fatalf("same-label Write: %v", err)
	}

	// A PUBLIC context writing a file labeled above it fails the reverse
	// flows-to check label(file) ⊑ Lcur.
	secretFileID, _, err := ns.Create(ctx, pub, Root, "s", KindFile, mustLabel(t, "alice,T"), CreateOpts{})
	if err != nil {
		t.Fatalf("Create secret file: %v", err)
	}
	if _, err := ns.Write(ctx, pub, secretFileID, []byte("up")); err != ErrLabelCheckFailed {
		t.Fatalf("write-up: got %v, want ErrLabelCheckFailed", err)
	}
}

// TestFacetedAutoPartition: opening a faceted
// directory under a never-before-seen facet label auto-creates a child
// directory, and repeated opens under the same label return the same id.
func TestFacetedAutoPartition(t *testing.T) {
	ctx := context.Background()
	ns := newTestNamespace(t)
	pub := buckle.Public()
	secret := mustLabel(t, "alice,F")

	facetedID, _, err := ns.Create(ctx, pub, Root, "logs", KindFacetedDir, pub, CreateOpts{})
	if err != nil {
		t.Fatalf("Create faceted dir: %v", err)
	}

	childA, lcurA, err := ns.OpenFaceted(ctx, pub, facetedID, secret)
	if err != nil {
		t.Fatalf("OpenFaceted (create): %v", err)
	}
	if !lcurA.Equal(pub) {
		t.Fatalf("OpenFaceted must not raise lcur by the facet label itself, got %v", lcurA)
	}

	childB, _, err := ns.OpenFaceted(ctx, pub, facetedID, secret)
	if err != nil {
		t.Fatalf("OpenFaceted (reopen): %v", err)
	}
	if childA != childB {
		t.Fatalf("reopening the same facet produced a different child: %v vs %v", childA, childB)
	}

	facets, _, err := ns.ListFaceted(ctx, pub, facetedID, secret)
	if err != nil {
		t.Fatalf("ListFaceted: %v", err)
	}
	if _, ok := facets[secret.String()]; !ok {
		t.Fatalf("ListFaceted with matching clearance missing facet: %+v", facets)
	}

	visible, _, err := ns.ListFaceted(ctx, pub, facetedID, pub)
	if err != nil {
		t.Fatalf("ListFaceted(PUBLIC): %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("ListFaceted(PUBLIC) must hide secret facets, got %+v", visible)
	}
}

func TestUnlinkAndNotFound(t *testing.T) {
	ctx := context.Background()
	ns := newTestNamespace(t)
	pub := buckle.Public()

	if _, _, err := ns.Lookup(ctx, pub, Root, "missing"); err != ErrNotFound {
		t.Fatalf("Lookup missing: got %v, want ErrNotFound", err)
	}

	id, _, err := ns.Create(ctx, pub, Root, "tmp", KindFile, pub, CreateOpts{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ns.Link(ctx, pub, Root, "tmp2", id, KindFile); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := ns.Unlink(ctx, pub, Root, "tmp"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, _, err := ns.Lookup(ctx, pub, Root, "tmp"); err != ErrNotFound {
		t.Fatalf("Lookup after Unlink: got %v, want ErrNotFound", err)
	}
	if _, err := ns.Unlink(ctx, pub, Root, "tmp"); err != ErrNotFound {
		t.Fatalf("double Unlink: got %v, want ErrNotFound", err)
	}
}

func TestGetBlob(t *testing.T) {
	ctx := context.Background()
	ns := newTestNamespace(t)
	pub := buckle.Public()

	h, err := ns.blobs.Create(0)
	if err != nil {
		t.Fatalf("blobs.Create: %v", err)
	}
	if err := ns.blobs.Append(h, []byte("payload")); err != nil {
		t.Fatalf("blobs.Append: %v", err)
	}
	blobID, err := ns.blobs.Finalize(h)
	if err != nil {
		t.Fatalf("blobs.Finalize: %v", err)
	}

	id, _, err := ns.Create(ctx, pub, Root, "blob", KindBlobHandle, pub, CreateOpts{
		BlobHandle: &BlobHandleData{BlobID: blobID},
	})
	if err != nil {
		t.Fatalf("Create blob handle: %v", err)
	}

	got, _, err := ns.GetBlob(ctx, pub, id)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if got != blobID {
		t.Fatalf("GetBlob = %v, want %v", got, blobID)
	}
}
