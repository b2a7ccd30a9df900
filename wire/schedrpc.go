package wire

import "fmt"

// ReqKind discriminates the scheduler RPC Request oneof.
type ReqKind uint32

const (
	ReqGetTask ReqKind = iota + 1
	ReqFinishTask
	ReqLabeledInvoke
	ReqUpdateResource
	ReqDropResource
	ReqTerminateAll
	ReqPing
	// ReqHello is a stream preamble, sent once after dialing and before any
	// GetTask: the worker's public key plus a signature binding it to the
	// stream's thread id. Schedulers that don't authenticate workers answer
	// it like a Ping.
	ReqHello
)

// RespKind discriminates the scheduler RPC Response oneof.
type RespKind uint32

const (
	RespProcessTask RespKind = iota + 1
	RespTerminate
	RespFail
	RespSuccess
	RespPong
)

// ReturnCode is the worker's completion status reported via FinishTask.
type ReturnCode uint32

const (
	ReturnSuccess ReturnCode = iota
	ReturnResourceExhausted
	ReturnLaunchFailed
	ReturnProcessRequestFailed
	ReturnGateNotExist
	ReturnQueueFull
)

func (rc ReturnCode) String() string {
	switch rc {
	case ReturnSuccess:
		return "Success"
	case ReturnResourceExhausted:
		return "ResourceExhausted"
	case ReturnLaunchFailed:
		return "LaunchFailed"
	case ReturnProcessRequestFailed:
		return "ProcessRequestFailed"
	case ReturnGateNotExist:
		return "GateNotExist"
	case ReturnQueueFull:
		return "QueueFull"
	default:
		return fmt.Sprintf("ReturnCode(%d)", uint32(rc))
	}
}

// Function is the snapshot material a direct gate launches.
type Function struct {
	Memory       uint64
	AppImageBlob string
	RuntimeBlob  string
	KernelBlob   string
}

// LabeledInvoke carries a scheduler-dispatched invocation request: the
// newer schema, with blobs/headers maps; the older variant lacking them is
// deprecated.
type LabeledInvoke struct {
	Function      Function
	Label         string // canonical buckle.Label text
	GatePrivilege string // colon-joined principal list, '|'-separated
	Payload       []byte
	Blobs         map[string]string // name -> blob-id
	Headers       map[string]string
	Sync          bool
	Invoker       string // canonical buckle.Component text (invoker's integrity component)
	Declassify    string // canonical buckle.Component text (the gate's declassify set)
}

// TaskReturn is the worker's report of a completed task.
type TaskReturn struct {
	Code       ReturnCode
	Payload    []byte
	FinalLabel string
}

const (
	rqField   = 1 // ReqKind
	rqTaskID  = 2
	rqThread  = 3
	rqInvoke  = 4 // nested LabeledInvoke
	rqReturn  = 5 // nested TaskReturn
	rqFreeMem = 6
	rqPubKey  = 7
	rqSig     = 8

	liMemory     = 1
	liAppImage   = 2
	liRuntime    = 3
	liKernel     = 4
	liLabel      = 5
	liPriv       = 6
	liPayload    = 7
	liBlobs      = 8
	liHeaders    = 9
	liSync       = 10
	liInvoker    = 11
	liDeclassify = 12

	trCode    = 1
	trPayload = 2
	trLabel   = 3

	rsField  = 1 // RespKind
	rsTaskID = 2
	rsInvoke = 3
	rsReturn = 4
)

func marshalLabeledInvoke(li *LabeledInvoke) []byte {
	m := NewMessage()
	m.SetVarint(liMemory, li.Function.Memory)
	if li.Function.AppImageBlob != "" {
		m.SetString(liAppImage, li.Function.AppImageBlob)
	}
	if li.Function.RuntimeBlob != "" {
		m.SetString(liRuntime, li.Function.RuntimeBlob)
	}
	if li.Function.KernelBlob != "" {
		m.SetString(liKernel, li.Function.KernelBlob)
	}
	if li.Label != "" {
		m.SetString(liLabel, li.Label)
	}
	if li.GatePrivilege != "" {
		m.SetString(liPriv, li.GatePrivilege)
	}
	if len(li.Payload) > 0 {
		m.SetBytes(liPayload, li.Payload)
	}
	if len(li.Blobs) > 0 {
		m.AppendStringMap(liBlobs, li.Blobs)
	}
	if len(li.Headers) > 0 {
		m.AppendStringMap(liHeaders, li.Headers)
	}
	m.SetBool(liSync, li.Sync)
	if li.Invoker != "" {
		m.SetString(liInvoker, li.Invoker)
	}
	if li.Declassify != "" {
		m.SetString(liDeclassify, li.Declassify)
	}
	return m.Marshal()
}

func unmarshalLabeledInvoke(b []byte) (*LabeledInvoke, error) {
	m, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	li := &LabeledInvoke{}
	li.Function.Memory, _ = m.Varint(liMemory)
	li.Function.AppImageBlob, _ = m.String(liAppImage)
	li.Function.RuntimeBlob, _ = m.String(liRuntime)
	li.Function.KernelBlob, _ = m.String(liKernel)
	li.Label, _ = m.String(liLabel)
	li.GatePrivilege, _ = m.String(liPriv)
	li.Payload, _ = m.Bytes(liPayload)
	if li.Blobs, err = m.StringMap(liBlobs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if li.Headers, err = m.StringMap(liHeaders); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	li.Sync, _ = m.Bool(liSync)
	li.Invoker, _ = m.String(liInvoker)
	li.Declassify, _ = m.String(liDeclassify)
	return li, nil
}

func marshalTaskReturn(tr *TaskReturn) []byte {
	m := NewMessage()
	m.SetVarint(trCode, uint64(tr.Code))
	if len(tr.Payload) > 0 {
		m.SetBytes(trPayload, tr.Payload)
	}
	if tr.FinalLabel != "" {
		m.SetString(trLabel, tr.FinalLabel)
	}
	return m.Marshal()
}

func unmarshalTaskReturn(b []byte) (*TaskReturn, error) {
	m, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	codev, _ := m.Varint(trCode)
	tr := &TaskReturn{Code: ReturnCode(codev)}
	tr.Payload, _ = m.Bytes(trPayload)
	tr.FinalLabel, _ = m.String(trLabel)
	return tr, nil
}

// Request is the worker→scheduler envelope.
type Request struct {
	Kind ReqKind

	TaskID   string
	ThreadID string
	Invoke   *LabeledInvoke
	Return   *TaskReturn
	FreeMem  uint64

	// Hello preamble fields: the worker's authorized_keys-format public key
	// and its signature over the hello payload.
	PubKey []byte
	Sig    []byte
}

// Marshal encodes r to its wire form.
func (r *Request) Marshal() []byte {
	m := NewMessage()
	m.SetVarint(rqField, uint64(r.Kind))
	if r.TaskID != "" {
		m.SetString(rqTaskID, r.TaskID)
	}
	if r.ThreadID != "" {
		m.SetString(rqThread, r.ThreadID)
	}
	if r.Invoke != nil {
		m.SetBytes(rqInvoke, marshalLabeledInvoke(r.Invoke))
	}
	if r.Return != nil {
		m.SetBytes(rqReturn, marshalTaskReturn(r.Return))
	}
	if r.FreeMem != 0 {
		m.SetVarint(rqFreeMem, r.FreeMem)
	}
	if len(r.PubKey) > 0 {
		m.SetBytes(rqPubKey, r.PubKey)
	}
	if len(r.Sig) > 0 {
		m.SetBytes(rqSig, r.Sig)
	}
	return m.Marshal()
}

// UnmarshalRequest decodes a Request.
func UnmarshalRequest(b []byte) (*Request, error) {
	m, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	kindv, ok := m.Varint(rqField)
	if !ok {
		return nil, fmt.Errorf("%w: missing request kind", ErrProtocol)
	}
	r := &Request{Kind: ReqKind(kindv)}
	r.TaskID, _ = m.String(rqTaskID)
	r.ThreadID, _ = m.String(rqThread)
	if raw, ok := m.Bytes(rqInvoke); ok {
		if r.Invoke, err = unmarshalLabeledInvoke(raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := m.Bytes(rqReturn); ok {
		if r.Return, err = unmarshalTaskReturn(raw); err != nil {
			return nil, err
		}
	}
	r.FreeMem, _ = m.Varint(rqFreeMem)
	r.PubKey, _ = m.Bytes(rqPubKey)
	r.Sig, _ = m.Bytes(rqSig)
	return r, nil
}

// Response is the scheduler→worker envelope.
type Response struct {
	Kind RespKind

	TaskID string
	Invoke *LabeledInvoke // ProcessTask payload
	Return *TaskReturn    // Success payload
}

// Marshal encodes resp to its wire form.
func (resp *Response) Marshal() []byte {
	m := NewMessage()
	m.SetVarint(rsField, uint64(resp.Kind))
	if resp.TaskID != "" {
		m.SetString(rsTaskID, resp.TaskID)
	}
	if resp.Invoke != nil {
		m.SetBytes(rsInvoke, marshalLabeledInvoke(resp.Invoke))
	}
	if resp.Return != nil {
		m.SetBytes(rsReturn, marshalTaskReturn(resp.Return))
	}
	return m.Marshal()
}

// UnmarshalResponse decodes a Response.
func UnmarshalResponse(b []byte) (*Response, error) {
	m, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	kindv, ok := m.Varint(rsField)
	if !ok {
		return nil, fmt.Errorf("%w: missing response kind", ErrProtocol)
	}
	resp := &Response{Kind: RespKind(kindv)}
	resp.TaskID, _ = m.String(rsTaskID)
	if raw, ok := m.Bytes(rsInvoke); ok {
		if resp.Invoke, err = unmarshalLabeledInvoke(raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := m.Bytes(rsReturn); ok {
		if resp.Return, err = unmarshalTaskReturn(raw); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
