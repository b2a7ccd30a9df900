package monitor

import (
	"github.com/faasten/faasten/buckle"
	"github.com/faasten/faasten/namespace"
)

// handleKind discriminates what a guest-visible fd currently refers to.
type handleKind int

const (
	hEntity handleKind = iota
	hBlobWrite
	hBlobRead
)

// handle is one entry of the per-invocation open fd table.
type handle struct {
	kind handleKind

	entityKind namespace.Kind
	entityID   namespace.ID

	blobHandle string // blobstore write/read handle id
	blobID     string // set once a read handle's underlying blob id is known
}

// State is the per-active-VM invocation state: the floating
// label, owned privilege, and open fd / blob-write tables. It is created on
// VM allocation, mutated by CloudCalls, and on completion either serialized
// into the worker's VM-cache key or discarded.
type State struct {
	Lcur buckle.Label
	Priv buckle.Privilege

	// Declassify is the invokee gate's declassify set: the bound on what
	// secrecy this instance may remove with Priv. The True component leaves
	// declassification limited only by Priv; False forbids it entirely.
	Declassify buckle.Component

	handles    map[uint64]*handle
	nextFd     uint64
	openWrites int
}

// NewState constructs the state a freshly allocated VM starts with: Lcur set
// to startingLabel (PUBLIC for a cold VM, or the cache key's label for a
// resumed one), Priv set to the invokee gate's granted privilege, and
// declassify to the gate's declassify set.
func NewState(startingLabel buckle.Label, priv buckle.Privilege, declassify buckle.Component) *State {
	return &State{
		Lcur:       startingLabel,
		Priv:       priv,
		Declassify: declassify,
		handles:    make(map[uint64]*handle),
		nextFd:     1,
	}
}

func (s *State) putEntity(kind namespace.Kind, id namespace.ID) uint64 {
	fd := s.nextFd
	s.nextFd++
	s.handles[fd] = &handle{kind: hEntity, entityKind: kind, entityID: id}
	return fd
}

func (s *State) putBlobWrite(writeHandle string) uint64 {
	fd := s.nextFd
	s.nextFd++
	s.handles[fd] = &handle{kind: hBlobWrite, blobHandle: writeHandle}
	s.openWrites++
	return fd
}

func (s *State) putBlobRead(readHandle string, blobID string) uint64 {
	fd := s.nextFd
	s.nextFd++
	s.handles[fd] = &handle{kind: hBlobRead, blobHandle: readHandle, blobID: blobID}
	return fd
}

func (s *State) get(fd uint64) (*handle, bool) {
	h, ok := s.handles[fd]
	return h, ok
}

func (s *State) drop(fd uint64) {
	if h, ok := s.handles[fd]; ok && h.kind == hBlobWrite {
		s.openWrites--
	}
	delete(s.handles, fd)
}

// OpenWriteHandles reports how many blob-write fds are still open, one of
// the two inputs to the worker's cacheability decision.
func (s *State) OpenWriteHandles() int { return s.openWrites }
