// Package model holds the data model shared across the execution substrate:
// function/service definitions, trigger records, subscriptions, invocations,
// gas accounts, meta-transaction records, secrets, and key metadata.
package model

import "time"

// Runtime identifies a supported function execution runtime.
type Runtime string

// JS is the only supported runtime; the spec explicitly scopes out building
// a new language runtime.
const JS Runtime = "js"

// TriggerKind discriminates the trigger_spec union carried by a FunctionSpec.
type TriggerKind string

const (
	TriggerHTTP       TriggerKind = "http"
	TriggerSchedule   TriggerKind = "schedule"
	TriggerChainEvent TriggerKind = "event"
	TriggerOracle     TriggerKind = "oracle_due"
	TriggerMulti      TriggerKind = "multi_trigger"
)

// ChainEventKind narrows TriggerChainEvent subscriptions.
type ChainEventKind string

const (
	ChainEventBlock        ChainEventKind = "neo_block"
	ChainEventTransaction  ChainEventKind = "neo_tx"
	ChainEventNotification ChainEventKind = "neo_notification"
	ChainEventMulti        ChainEventKind = "neo_multi_event"
)

// TriggerSpec is the discriminated union describing what causes invocations
// of a function. Exactly one of the typed fields is populated, selected by
// Type (Kind further narrows an "event" trigger).
type TriggerSpec struct {
	Kind ChainEventKind `json:"kind,omitempty"`

	// Http
	Method      string `json:"method,omitempty"`
	PathPattern string `json:"path_pattern,omitempty"`

	// Schedule
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// ChainEvent
	SourceID string `json:"source_id,omitempty"`
	Contract string `json:"contract,omitempty"`
	Event    string `json:"event,omitempty"`

	// Oracle
	OracleSourceID string `json:"oracle_source_id,omitempty"`

	// Multi composes several specs; evaluated as "any of".
	Multi []TriggerSpec `json:"multi,omitempty"`

	Type TriggerKind `json:"type"`
}

// ResourceLimits bounds a single invocation.
type ResourceLimits struct {
	MemoryBytes int64         `json:"memory_bytes"`
	WallClock   time.Duration `json:"wall_clock"`
	CPU         time.Duration `json:"cpu"`
}

// FunctionSpec is immutable once deployed; updates create a new Version
// sharing FunctionID.
type FunctionSpec struct {
	FunctionID string         `json:"function_id"`
	ServiceID  string         `json:"service_id,omitempty"`
	Version    int            `json:"version"`
	Runtime    Runtime        `json:"runtime"`
	Handler    string         `json:"handler"` // module path + export, "module.js#export"
	Source     string         `json:"source"`
	Trigger    TriggerSpec    `json:"trigger_spec"`
	Limits     ResourceLimits `json:"resource_limits"`
	Env        map[string]string `json:"environment,omitempty"`
	Deps       []string       `json:"dependencies,omitempty"`
	Owner      string         `json:"owner_principal"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ServiceSpec groups FunctionSpecs under a namespace with shared
// permissions and environment. Deleting a service cascades to its
// functions.
type ServiceSpec struct {
	ServiceID   string            `json:"service_id"`
	Namespace   string            `json:"namespace"`
	Owner       string            `json:"owner_principal"`
	Env         map[string]string `json:"environment,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// RecordKind discriminates TriggerRecord.Kind.
type RecordKind string

const (
	KindBlock        RecordKind = "Block"
	KindTransaction  RecordKind = "Transaction"
	KindNotification RecordKind = "Notification"
	KindScheduleTick RecordKind = "ScheduleTick"
	KindHttpRequest  RecordKind = "HttpRequest"
	KindOracleDue    RecordKind = "OracleDue"
	KindManualInvoke RecordKind = "ManualInvoke"
)

// TriggerRecord is the uniform event representation produced by C3 adapters.
// (source_id, offset) is unique and totally ordered per source.
type TriggerRecord struct {
	SourceID       string     `json:"source_id"`
	Offset         uint64     `json:"monotonic_offset"`
	Kind           RecordKind `json:"kind"`
	OccurredAt     time.Time  `json:"occurred_at"`
	BlockHash      string     `json:"block_hash,omitempty"`
	Superseded     bool       `json:"superseded,omitempty"`

	// Block
	BlockIndex uint64   `json:"block_index,omitempty"`
	TxHashes   []string `json:"tx_hashes,omitempty"`

	// Transaction
	TxHash string `json:"tx_hash,omitempty"`
	Sender string `json:"sender,omitempty"`
	Target string `json:"target,omitempty"`

	// Notification
	Contract  string   `json:"contract,omitempty"`
	Event     string   `json:"event,omitempty"`
	State     []any    `json:"state,omitempty"`

	// ScheduleTick
	CronID    string    `json:"cron_id,omitempty"`
	PlannedAt time.Time `json:"planned_at,omitempty"`

	// HttpRequest
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Principal string          `json:"principal,omitempty"`
}

// Filter matches a TriggerRecord against a subscription's predicate.
type Filter struct {
	Kind        RecordKind `json:"kind"`
	ChainEvent  ChainEventKind `json:"chain_event,omitempty"`
	SourceID    string     `json:"source_id,omitempty"`
	Contract    string     `json:"contract,omitempty"`
	Event       string     `json:"event,omitempty"`
	PathPattern string     `json:"path_pattern,omitempty"`
	Method      string     `json:"method,omitempty"`
}

// Subscription durably maps a trigger Filter to a function.
type Subscription struct {
	FunctionID string `json:"function_id"`
	Filter     Filter `json:"filter"`
}

// InvocationState enumerates the Invocation lifecycle.
type InvocationState string

const (
	StateQueued    InvocationState = "Queued"
	StateAdmitted  InvocationState = "Admitted"
	StateRunning   InvocationState = "Running"
	StateSucceeded InvocationState = "Succeeded"
	StateFailed    InvocationState = "Failed"
	StateTimeout   InvocationState = "Timeout"
	StateRejected  InvocationState = "Rejected"
)

// FailureKind narrows StateFailed/StateRejected outcomes.
type FailureKind string

const (
	FailureUncaught         FailureKind = "Uncaught"
	FailureCompileError     FailureKind = "CompileError"
	FailureBindingDenied    FailureKind = "BindingDenied"
	FailureResourceExceeded FailureKind = "ResourceExceeded"
	FailureExhausted        FailureKind = "Exhausted"

	RejectOverloaded       FailureKind = "Overloaded"
	RejectInsufficientFund FailureKind = "InsufficientFunds"
	RejectPolicyDenied     FailureKind = "PolicyDenied"
	RejectBadRequest       FailureKind = "BadRequest"
)

// Invocation is a single execution of a function bound to a trigger.
type Invocation struct {
	InvocationID string          `json:"invocation_id"`
	FunctionID   string          `json:"function_id"`
	DeliveryID   uint64          `json:"delivery_id"`
	Trigger      TriggerRecord   `json:"trigger"`
	State        InvocationState `json:"state"`
	FailureKind  FailureKind     `json:"failure_kind,omitempty"`
	Message      string          `json:"message,omitempty"`
	Result       map[string]any  `json:"result,omitempty"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
	EndedAt      time.Time       `json:"ended_at,omitempty"`
	MemoryPeak   int64           `json:"memory_peak,omitempty"`
	CPUUsed      time.Duration   `json:"cpu_used,omitempty"`
	Attempt      int             `json:"attempt"`

	// GasReservationID is the handle returned by Gas-Bank Reserve at
	// admission (spec §4.6(c)); it travels with the invocation so the
	// worker that eventually runs it can Commit the actual cost, and any
	// rejection/retry path can Release the hold instead.
	GasReservationID string `json:"gas_reservation_id,omitempty"`
}

// Chain identifies the blockchain a GasAccount/MetaTxRecord belongs to.
type Chain string

const (
	ChainNeoN3     Chain = "neo3"
	ChainEthereum  Chain = "ethereum"

	// ChainCompute is the pseudo-chain backing the scheduler's admission
	// reservations (spec §4.6(c)): execution cost is charged against a
	// principal's off-chain compute account, never against an on-chain
	// (neo3/ethereum) balance that a meta-transaction settles against.
	ChainCompute Chain = "compute"
)

// GasAccount is the per-(principal,chain) ledger balance. Invariant:
// Balance >= Reserved >= 0.
type GasAccount struct {
	Principal string `json:"principal"`
	Chain     Chain  `json:"chain"`
	Balance   int64  `json:"balance"`
	Reserved  int64  `json:"reserved"`
	Nonce     uint64 `json:"nonce"`
}

// MetaTxState enumerates the relay lifecycle.
type MetaTxState string

const (
	MetaTxAccepted MetaTxState = "Accepted"
	MetaTxExecuted MetaTxState = "Executed"
	MetaTxRejected MetaTxState = "Rejected"
	MetaTxExpired  MetaTxState = "Expired"
)

// MetaTxRecord is the replay-safe record of a relayed meta-transaction.
// (Sender, Chain, Nonce) is unique; no two Executed records share it.
type MetaTxRecord struct {
	Sender      string      `json:"sender"`
	Chain       Chain       `json:"chain"`
	Nonce       uint64      `json:"nonce"`
	Target      string      `json:"target"`
	TxData      []byte      `json:"tx_data"`
	Deadline    int64       `json:"deadline"`
	PayloadHash []byte      `json:"payload_hash"`
	Signature   []byte      `json:"signature"`
	SenderPubKey []byte     `json:"sender_pub_key"`
	CurveTag    byte        `json:"curve_tag"`
	State       MetaTxState `json:"state"`
	TxHash      string      `json:"tx_hash,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	MaxFee      int64       `json:"max_fee,omitempty"`
}

// SecretEntry is an encrypted per-owner secret. Plaintext never leaves the
// enclave surface.
type SecretEntry struct {
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	Ciphertext  []byte    `json:"ciphertext"`
	KDFParams   string    `json:"kdf_params"`
	CreatedAt   time.Time `json:"created_at"`
	RotatedFrom string    `json:"rotated_from,omitempty"`
}

// RotationPolicy bounds a key's lifetime/usage.
type RotationPolicy struct {
	MaxOperations uint64        `json:"max_operations"`
	OverlapWindow time.Duration `json:"overlap_window"`
}

// KeyMetadata describes a TEE-bound key.
type KeyMetadata struct {
	KeyID                string         `json:"key_id"`
	Owner                string         `json:"owner"`
	Algorithm            string         `json:"algorithm"`
	Created              time.Time      `json:"created"`
	UsageCount           uint64         `json:"usage_count"`
	Policy               RotationPolicy `json:"rotation_policy"`
	ExpiresAt            time.Time      `json:"expires_at"`
	AuthorizedPrincipals []string       `json:"authorized_principals"`
	RotatedTo            string         `json:"rotated_to,omitempty"`
}
