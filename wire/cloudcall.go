package wire

import "fmt"

// CallOp enumerates the CloudCall kinds recognized by the reference
// monitor's dispatcher.
type CallOp uint32

const (
	OpGetCurrentLabel CallOp = iota + 1
	OpTaint
	OpDeclassify
	OpSubPrivilege
	OpRoot
	OpDentOpen
	OpDentClose
	OpDentCreate
	OpDentUpdate
	OpDentRead
	OpDentList
	OpDentLsFaceted
	OpDentLsGate
	OpDentLink
	OpDentUnlink
	OpDentGetBlob
	OpBlobCreate
	OpBlobWrite
	OpBlobFinalize
	OpBlobRead
	OpBlobClose
	OpDentInvoke
	OpResponse
)

func (op CallOp) String() string {
	switch op {
	case OpGetCurrentLabel:
		return "get-current-label"
	case OpTaint:
		return "taint"
	case OpDeclassify:
		return "declassify"
	case OpSubPrivilege:
		return "sub-privilege"
	case OpRoot:
		return "root"
	case OpDentOpen:
		return "dent-open"
	case OpDentClose:
		return "dent-close"
	case OpDentCreate:
		return "dent-create"
	case OpDentUpdate:
		return "dent-update"
	case OpDentRead:
		return "dent-read"
	case OpDentList:
		return "dent-list"
	case OpDentLsFaceted:
		return "dent-ls-faceted"
	case OpDentLsGate:
		return "dent-ls-gate"
	case OpDentLink:
		return "dent-link"
	case OpDentUnlink:
		return "dent-unlink"
	case OpDentGetBlob:
		return "dent-get-blob"
	case OpBlobCreate:
		return "blob-create"
	case OpBlobWrite:
		return "blob-write"
	case OpBlobFinalize:
		return "blob-finalize"
	case OpBlobRead:
		return "blob-read"
	case OpBlobClose:
		return "blob-close"
	case OpDentInvoke:
		return "dent-invoke"
	case OpResponse:
		return "response"
	default:
		return fmt.Sprintf("CallOp(%d)", uint32(op))
	}
}

// Status is the discriminated result code returned across the CloudCall
// boundary.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusLabelCheckFailed
	StatusUnauthorized
	StatusNotFound
	StatusAlreadyExists
	StatusWrongKind
	StatusMalformedLabel
	StatusProtocolError
	StatusResourceExhausted
	StatusBackingStoreError
	StatusBlobIOError
	StatusBlobCorrupt
	StatusTimeout
	StatusLaunchFailed
	StatusRedirectLoop
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusLabelCheckFailed:
		return "LabelCheckFailed"
	case StatusUnauthorized:
		return "Unauthorized"
	case StatusNotFound:
		return "NotFound"
	case StatusAlreadyExists:
		return "AlreadyExists"
	case StatusWrongKind:
		return "WrongKind"
	case StatusMalformedLabel:
		return "MalformedLabel"
	case StatusProtocolError:
		return "ProtocolError"
	case StatusResourceExhausted:
		return "ResourceExhausted"
	case StatusBackingStoreError:
		return "BackingStoreError"
	case StatusBlobIOError:
		return "BlobIOError"
	case StatusBlobCorrupt:
		return "BlobCorrupt"
	case StatusTimeout:
		return "Timeout"
	case StatusLaunchFailed:
		return "LaunchFailed"
	case StatusRedirectLoop:
		return "RedirectLoop"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// Field numbers shared by every CallRequest/CallResponse encoding. Not
// every call kind uses every field; unused fields are simply absent from
// the wire form.
const (
	fOp            = 1
	fFd            = 2
	fName          = 3
	fLabel         = 4
	fKind          = 5
	fValue         = 6
	fOffset        = 7
	fLength        = 8
	fPayload       = 9
	fSync          = 10
	fToBlob        = 11
	fTargetSecrecy = 12
	fSuffix        = 13
	fClearance     = 14
	fSizeHint      = 15
	fGateFd        = 16
	fParentFd      = 17
	fDirFd         = 18
	fTargetFd      = 19
	fParameters    = 20

	fStatus      = 1
	fRespLabel   = 2
	fRespFd      = 3
	fRespKind    = 4
	fRespValue   = 5
	fRespBlobID  = 6
	fRespPayload = 7
	fRespEntries = 8
	fRespSuffix  = 9
)

// CallRequest is the guest→host envelope for one CloudCall.
// Only the fields relevant to Op are populated; the rest are zero values.
type CallRequest struct {
	Op CallOp

	Fd       uint64
	ParentFd uint64
	DirFd    uint64
	GateFd   uint64
	TargetFd uint64

	Name  string
	Kind  string
	Label string // canonical buckle.Label text form

	Value   []byte
	Offset  uint64
	Length  uint64
	Payload []byte

	Sync   bool
	ToBlob bool

	TargetSecrecy string // declassify target
	Suffix        string // sub-privilege suffix (colon-joined additional tokens)
	Clearance     string // dent-ls-faceted clearance label

	SizeHint uint64

	Parameters map[string]string
}

// Marshal encodes r to its wire form.
func (r *CallRequest) Marshal() []byte {
	m := NewMessage()
	m.SetVarint(fOp, uint64(r.Op))
	if r.Fd != 0 {
		m.SetVarint(fFd, r.Fd)
	}
	if r.ParentFd != 0 {
		m.SetVarint(fParentFd, r.ParentFd)
	}
	if r.DirFd != 0 {
		m.SetVarint(fDirFd, r.DirFd)
	}
	if r.GateFd != 0 {
		m.SetVarint(fGateFd, r.GateFd)
	}
	if r.TargetFd != 0 {
		m.SetVarint(fTargetFd, r.TargetFd)
	}
	if r.Name != "" {
		m.SetString(fName, r.Name)
	}
	if r.Kind != "" {
		m.SetString(fKind, r.Kind)
	}
	if r.Label != "" {
		m.SetString(fLabel, r.Label)
	}
	if len(r.Value) > 0 {
		m.SetBytes(fValue, r.Value)
	}
	if r.Offset != 0 {
		m.SetVarint(fOffset, r.Offset)
	}
	if r.Length != 0 {
		m.SetVarint(fLength, r.Length)
	}
	if len(r.Payload) > 0 {
		m.SetBytes(fPayload, r.Payload)
	}
	m.SetBool(fSync, r.Sync)
	m.SetBool(fToBlob, r.ToBlob)
	if r.TargetSecrecy != "" {
		m.SetString(fTargetSecrecy, r.TargetSecrecy)
	}
	if r.Suffix != "" {
		m.SetString(fSuffix, r.Suffix)
	}
	if r.Clearance != "" {
		m.SetString(fClearance, r.Clearance)
	}
	if r.SizeHint != 0 {
		m.SetVarint(fSizeHint, r.SizeHint)
	}
	if len(r.Parameters) > 0 {
		m.AppendStringMap(fParameters, r.Parameters)
	}
	return m.Marshal()
}

// UnmarshalCallRequest decodes a CallRequest, returning an error wrapping
// ErrProtocol on malformed input so the dispatcher can answer with
// StatusProtocolError without crashing.
func UnmarshalCallRequest(b []byte) (*CallRequest, error) {
	m, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	opv, ok := m.Varint(fOp)
	if !ok {
		return nil, fmt.Errorf("%w: missing op", ErrProtocol)
	}
	r := &CallRequest{Op: CallOp(opv)}
	r.Fd, _ = m.Varint(fFd)
	r.ParentFd, _ = m.Varint(fParentFd)
	r.DirFd, _ = m.Varint(fDirFd)
	r.GateFd, _ = m.Varint(fGateFd)
	r.TargetFd, _ = m.Varint(fTargetFd)
	r.Name, _ = m.String(fName)
	r.Kind, _ = m.String(fKind)
	r.Label, _ = m.String(fLabel)
	r.Value, _ = m.Bytes(fValue)
	r.Offset, _ = m.Varint(fOffset)
	r.Length, _ = m.Varint(fLength)
	r.Payload, _ = m.Bytes(fPayload)
	r.Sync, _ = m.Bool(fSync)
	r.ToBlob, _ = m.Bool(fToBlob)
	r.TargetSecrecy, _ = m.String(fTargetSecrecy)
	r.Suffix, _ = m.String(fSuffix)
	r.Clearance, _ = m.String(fClearance)
	r.SizeHint, _ = m.Varint(fSizeHint)
	params, err := m.StringMap(fParameters)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	r.Parameters = params
	return r, nil
}

// CallResponse is the host→guest envelope answering one CallRequest.
type CallResponse struct {
	Status Status

	Label   string // new Lcur, when the call affects it
	Fd      uint64
	Kind    string
	Value   []byte
	BlobID  string
	Payload []byte
	Suffix  string // sub-privilege result, as a colon-joined principal

	Entries map[string]string // dent-list / dent-ls-gate: name -> kind; dent-ls-faceted: facet-label -> id
}

// Marshal encodes resp to its wire form.
func (resp *CallResponse) Marshal() []byte {
	m := NewMessage()
	m.SetVarint(fStatus, uint64(resp.Status))
	if resp.Label != "" {
		m.SetString(fRespLabel, resp.Label)
	}
	if resp.Fd != 0 {
		m.SetVarint(fRespFd, resp.Fd)
	}
	if resp.Kind != "" {
		m.SetString(fRespKind, resp.Kind)
	}
	if len(resp.Value) > 0 {
		m.SetBytes(fRespValue, resp.Value)
	}
	if resp.BlobID != "" {
		m.SetString(fRespBlobID, resp.BlobID)
	}
	if len(resp.Payload) > 0 {
		m.SetBytes(fRespPayload, resp.Payload)
	}
	if resp.Suffix != "" {
		m.SetString(fRespSuffix, resp.Suffix)
	}
	if len(resp.Entries) > 0 {
		m.AppendStringMap(fRespEntries, resp.Entries)
	}
	return m.Marshal()
}

// UnmarshalCallResponse decodes a CallResponse.
func UnmarshalCallResponse(b []byte) (*CallResponse, error) {
	m, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	statusv, ok := m.Varint(fStatus)
	if !ok {
		return nil, fmt.Errorf("%w: missing status", ErrProtocol)
	}
	resp := &CallResponse{Status: Status(statusv)}
	resp.Label, _ = m.String(fRespLabel)
	resp.Fd, _ = m.Varint(fRespFd)
	resp.Kind, _ = m.String(fRespKind)
	resp.Value, _ = m.Bytes(fRespValue)
	resp.BlobID, _ = m.String(fRespBlobID)
	resp.Payload, _ = m.Bytes(fRespPayload)
	resp.Suffix, _ = m.String(fRespSuffix)
	entries, err := m.StringMap(fRespEntries)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	resp.Entries = entries
	return resp, nil
}
