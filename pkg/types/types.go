package types

import (
	"time"
)

// ArtifactType classifies an ingested artifact by its container format.
type ArtifactType string

const (
	ArtifactAPK    ArtifactType = "apk"
	ArtifactIPA    ArtifactType = "ipa"
	ArtifactZIP    ArtifactType = "zip"
	ArtifactSource ArtifactType = "source"
)

// Artifact is one ingested mobile application bundle or source archive.
// Identity is the SHA-256 of the raw bytes; records are immutable after
// ingestion apart from alias accumulation.
type Artifact struct {
	Fingerprint   string       `json:"fingerprint"`
	OriginalName  string       `json:"original_name"`
	Aliases       []string     `json:"aliases,omitempty"`
	Size          int64        `json:"size"`
	DetectedType  ArtifactType `json:"detected_type"`
	IngestedAt    time.Time    `json:"ingested_at"`
	ExtractedRoot string       `json:"extracted_root"`
}

// Platform maps an artifact type to the mobile platform modules receive in
// their task data. Archives and source trees carry no platform.
func Platform(t ArtifactType) string {
	switch t {
	case ArtifactAPK:
		return "android"
	case ArtifactIPA:
		return "ios"
	default:
		return ""
	}
}

// ModuleKind distinguishes container-backed modules from remote ones.
type ModuleKind string

const (
	ModuleKindInternal ModuleKind = "internal"
	ModuleKindExternal ModuleKind = "external"
)

// ContainerState tracks the lifecycle of an internal module's container.
type ContainerState string

const (
	ContainerStateAbsent   ContainerState = "absent"
	ContainerStateBuilding ContainerState = "building"
	ContainerStateRunning  ContainerState = "running"
	ContainerStateStopped  ContainerState = "stopped"
	ContainerStateFailed   ContainerState = "failed"
)

// ModuleDescriptor describes one analysis module known to the registry.
// (Kind, ID) is unique. Active, Healthy and ContainerState are the only
// fields that mutate after creation.
type ModuleDescriptor struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Author       string         `json:"author"`
	Description  string         `json:"description"`
	InputFormats []ArtifactType `json:"input_formats"`
	Kind         ModuleKind     `json:"kind"`
	Active       bool           `json:"active"`
	Healthy      bool           `json:"healthy"`

	// Internal modules only.
	ImageRef       string         `json:"image_ref,omitempty"`
	ContainerState ContainerState `json:"container_state,omitempty"`
	Autostart      bool           `json:"autostart,omitempty"`

	// External modules only.
	BaseURL        string    `json:"base_url,omitempty"`
	HealthcheckURL string    `json:"healthcheck_url,omitempty"`
	LastSeenAt     time.Time `json:"last_seen_at,omitempty"`

	// StepTimeout overrides the orchestrator-wide step deadline for tasks
	// dispatched to this module. Zero means use the global default.
	StepTimeout time.Duration `json:"step_timeout,omitempty"`
}

// AcceptsType reports whether the module lists t among its input formats.
func (m *ModuleDescriptor) AcceptsType(t ArtifactType) bool {
	for _, f := range m.InputFormats {
		if f == t {
			return true
		}
	}
	return false
}

// ModuleConfig is the on-disk configuration of an internal module directory.
type ModuleConfig struct {
	Name         string         `yaml:"name" json:"name"`
	Version      string         `yaml:"version" json:"version"`
	Description  string         `yaml:"description" json:"description"`
	Author       string         `yaml:"author" json:"author"`
	InputFormats []ArtifactType `yaml:"input_formats,omitempty" json:"input_formats,omitempty"`
	Active       *bool          `yaml:"active,omitempty" json:"active,omitempty"`
	Image        string         `yaml:"image,omitempty" json:"image,omitempty"`
	StepTimeout  time.Duration  `yaml:"step_timeout,omitempty" json:"step_timeout,omitempty"`
}

// Chain is a named, ordered sequence of module steps.
type Chain struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Steps       []ChainStep `json:"steps"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ChainStep is one step of a chain. Order values are normalized to 1..N on
// write. Soft steps record failures and advance; hard steps abort the run.
type ChainStep struct {
	ModuleID   string            `json:"module_id"`
	Order      int               `json:"order"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Soft       bool              `json:"soft,omitempty"`
}

// TaskState is the lifecycle of one queued unit of work.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateInFlight  TaskState = "in_flight"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateTimedOut  TaskState = "timed_out"
	TaskStateCancelled TaskState = "cancelled"
)

// Final reports whether s is a terminal task state.
func (s TaskState) Final() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateTimedOut, TaskStateCancelled:
		return true
	}
	return false
}

// Task is the orchestrator-side record of one unit of work: run one module
// against one artifact. At most one non-final Task exists per
// (Fingerprint, ModuleID) pair at any instant.
type Task struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	ModuleID    string    `json:"module_id"`
	ChainRunID  string    `json:"chain_run_id,omitempty"`
	StepIndex   int       `json:"step_index"`
	State       TaskState `json:"state"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// TaskPayload is the JSON document placed on the queue plane for a worker.
// The wire shape is part of the module contract and must not change shape
// without versioning.
type TaskPayload struct {
	TaskID      string   `json:"task_id"`
	FileHash    string   `json:"file_hash"`
	ChainTaskID string   `json:"chain_task_id,omitempty"`
	StepIndex   *int     `json:"step_index,omitempty"`
	Data        TaskData `json:"data"`
}

// TaskData carries the module inputs inside a TaskPayload.
type TaskData struct {
	FolderPath string            `json:"folder_path"`
	FileType   ArtifactType      `json:"file_type"`
	Platform   string            `json:"platform,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// ResultStatus is the worker-reported outcome of a task.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// ModuleResult is one module's report for one artifact. Workers publish the
// wire fields (task_id, status, error, findings, summary); the orchestrator
// fills in the bookkeeping fields when persisting. Re-running the same
// module against the same artifact overwrites the previous result.
type ModuleResult struct {
	TaskID   string       `json:"task_id"`
	Status   ResultStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
	Findings []Finding    `json:"findings,omitempty"`
	Summary  *Summary     `json:"summary,omitempty"`

	ModuleID    string    `json:"module_id,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Orphaned marks a result that arrived after its task reached a final
	// state (timeout, cancellation, or module removal). Orphaned results are
	// retained in the report but never advance a run.
	Orphaned bool `json:"orphaned,omitempty"`
}

// Finding is one structured observation produced by a module. Severity is
// an opaque label preserved verbatim (modules use ERROR|HIGH, WARNING|MEDIUM,
// INFO|LOW conventions).
type Finding struct {
	RuleID   string         `json:"rule_id"`
	Name     string         `json:"name"`
	Severity string         `json:"severity"`
	Location *Location      `json:"location,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Location points a finding at a file position inside the artifact tree.
type Location struct {
	File      string `json:"file,omitempty"`
	Path      string `json:"path,omitempty"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
	Code      string `json:"code,omitempty"`
}

// Summary aggregates finding counts for a result.
type Summary struct {
	TotalFindings  int            `json:"total_findings"`
	SeverityCounts map[string]int `json:"severity_counts,omitempty"`
	CategoryCounts map[string]int `json:"category_counts,omitempty"`
}

// Summarize computes a Summary over findings, counting severity labels
// verbatim.
func Summarize(findings []Finding) *Summary {
	s := &Summary{TotalFindings: len(findings)}
	if len(findings) == 0 {
		return s
	}
	s.SeverityCounts = make(map[string]int)
	for _, f := range findings {
		s.SeverityCounts[f.Severity]++
	}
	return s
}

// RunState is the lifecycle of one chain execution.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStatePaused    RunState = "paused"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Final reports whether s is a terminal run state.
func (s RunState) Final() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCancelled:
		return true
	}
	return false
}

// StepStatus is the recorded outcome of one chain step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepInFlight  StepStatus = "in_flight"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
	StepTimedOut  StepStatus = "timed_out"
	StepCancelled StepStatus = "cancelled"
)

// StepOutcome is the per-step record kept on a ChainRun.
type StepOutcome struct {
	ModuleID   string     `json:"module_id"`
	TaskID     string     `json:"task_id,omitempty"`
	Status     StepStatus `json:"status"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// ChainRun is one execution of a chain against one artifact. It holds its
// own immutable chain snapshot, so concurrent chain edits or deletions never
// affect an in-flight run. Cursor is monotonically non-decreasing until a
// terminal state is reached.
type ChainRun struct {
	ID          string        `json:"id"`
	ChainName   string        `json:"chain_name"`
	Chain       *Chain        `json:"chain"`
	Fingerprint string        `json:"fingerprint"`
	Cursor      int           `json:"cursor"`
	State       RunState      `json:"state"`
	Reason      string        `json:"reason,omitempty"`
	Steps       []StepOutcome `json:"steps"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
}

// RuleKind selects what an auto-run rule launches on ingestion.
type RuleKind string

const (
	RuleNone   RuleKind = "none"
	RuleModule RuleKind = "module"
	RuleChain  RuleKind = "chain"
)

// Rule is one auto-run entry: run nothing, a single module, or a chain.
type Rule struct {
	Kind     RuleKind `json:"kind" yaml:"kind"`
	TargetID string   `json:"target_id,omitempty" yaml:"target_id,omitempty"`
}

// AutoRunConfig maps artifact types to the rule applied on ingestion. It is
// a single process-wide value swapped atomically; readers always see a
// consistent snapshot.
type AutoRunConfig struct {
	APK Rule `json:"apk" yaml:"apk"`
	IPA Rule `json:"ipa" yaml:"ipa"`
	ZIP Rule `json:"zip" yaml:"zip"`
}

// RuleFor returns the rule configured for t. Source trees have no auto-run
// rule and always map to RuleNone.
func (c *AutoRunConfig) RuleFor(t ArtifactType) Rule {
	switch t {
	case ArtifactAPK:
		return c.APK
	case ArtifactIPA:
		return c.IPA
	case ArtifactZIP:
		return c.ZIP
	default:
		return Rule{Kind: RuleNone}
	}
}

// DefaultAutoRun returns the initial configuration: nothing runs
// automatically until the operator opts in.
func DefaultAutoRun() *AutoRunConfig {
	return &AutoRunConfig{
		APK: Rule{Kind: RuleNone},
		IPA: Rule{Kind: RuleNone},
		ZIP: Rule{Kind: RuleNone},
	}
}

// Report is the queryable per-artifact view: artifact metadata, the latest
// result per module, and the chain run history.
type Report struct {
	Artifact  *Artifact                `json:"artifact"`
	Modules   map[string]*ModuleResult `json:"modules"`
	ChainRuns []*ChainRun              `json:"chain_runs,omitempty"`
}

// ExternalRegistration is the payload an externally hosted module submits
// to join the registry.
type ExternalRegistration struct {
	ModuleID       string       `json:"module_id"`
	BaseURL        string       `json:"base_url"`
	HealthcheckURL string       `json:"healthcheck_url"`
	Config         ModuleConfig `json:"config"`
}

// ResultSubmission is the payload an external module POSTs back to the
// orchestrator when it finishes a task.
type ResultSubmission struct {
	TaskID   string       `json:"task_id"`
	FileHash string       `json:"file_hash"`
	Results  ModuleResult `json:"results"`
}
