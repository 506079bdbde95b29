// Package types defines the aggregate schemas shared across the
// orchestration engine: Lablet Definitions, Lablet Instances, Workers and
// Worker Templates. Value objects are immutable records; aggregates carry
// their own version for optimistic concurrency in pkg/storage.
package types

import "time"

// LicenseAffinity constrains which license pool a definition or worker
// participates in.
type LicenseAffinity string

const (
	LicensePersonal   LicenseAffinity = "PERSONAL"
	LicenseEnterprise LicenseAffinity = "ENTERPRISE"
	LicenseEvaluation LicenseAffinity = "EVALUATION"
)

// PortKind tags a port placeholder with the protocol it carries.
type PortKind string

const (
	PortConsole PortKind = "CONSOLE"
	PortVNC     PortKind = "VNC"
	PortSSH     PortKind = "SSH"
	PortOther   PortKind = "OTHER"
)

// PortPlaceholder is one named, ordered slot in a definition's port template.
type PortPlaceholder struct {
	Name string
	Kind PortKind
}

// ResourceRequirements is the capacity a LabletDefinition needs from a
// Worker, and the shape Worker.DeclaredCapacity/AllocatedCapacity share.
type ResourceRequirements struct {
	CPU       int
	MemoryGB  int64
	StorageGB int64
	Nodes     int
}

// Sub returns r - o componentwise; used to check eligibility headroom.
func (r ResourceRequirements) Sub(o ResourceRequirements) ResourceRequirements {
	return ResourceRequirements{
		CPU:       r.CPU - o.CPU,
		MemoryGB:  r.MemoryGB - o.MemoryGB,
		StorageGB: r.StorageGB - o.StorageGB,
		Nodes:     r.Nodes - o.Nodes,
	}
}

// Add returns r + o componentwise.
func (r ResourceRequirements) Add(o ResourceRequirements) ResourceRequirements {
	return ResourceRequirements{
		CPU:       r.CPU + o.CPU,
		MemoryGB:  r.MemoryGB + o.MemoryGB,
		StorageGB: r.StorageGB + o.StorageGB,
		Nodes:     r.Nodes + o.Nodes,
	}
}

// Fits reports whether need fits within the receiver componentwise.
func (r ResourceRequirements) Fits(need ResourceRequirements) bool {
	return r.CPU >= need.CPU && r.MemoryGB >= need.MemoryGB &&
		r.StorageGB >= need.StorageGB && r.Nodes >= need.Nodes
}

// DefinitionStatus is the lifecycle state of a LabletDefinition.
type DefinitionStatus string

const (
	DefinitionDraft      DefinitionStatus = "DRAFT"
	DefinitionPublished  DefinitionStatus = "PUBLISHED"
	DefinitionDeprecated DefinitionStatus = "DEPRECATED"
)

// LabletDefinition is an immutable-once-published lab topology template.
type LabletDefinition struct {
	ID                   string
	Name                 string
	Version              string // semver
	ArtifactURI          string
	TopologyHash         string
	ResourceRequirements ResourceRequirements
	LicenseAffinity      []LicenseAffinity
	PortTemplate         []PortPlaceholder
	AMIPattern           string
	Status               DefinitionStatus
	CreatedAt            time.Time
	UpdatedAt            time.Time
	// StoreVersion is the aggregate store's optimistic-concurrency
	// counter, distinct from the semver Version above.
	StoreVersion uint64
}

// HasLicense reports whether the definition admits the given license.
func (d *LabletDefinition) HasLicense(l LicenseAffinity) bool {
	for _, a := range d.LicenseAffinity {
		if a == l {
			return true
		}
	}
	return false
}

// InstanceState is a state in S_I.
type InstanceState string

const (
	InstancePending       InstanceState = "PENDING"
	InstanceScheduled     InstanceState = "SCHEDULED"
	InstanceInstantiating InstanceState = "INSTANTIATING"
	InstanceRunning       InstanceState = "RUNNING"
	InstanceCollecting    InstanceState = "COLLECTING"
	InstanceGrading       InstanceState = "GRADING"
	InstanceStopping      InstanceState = "STOPPING"
	InstanceStopped       InstanceState = "STOPPED"
	InstanceArchived      InstanceState = "ARCHIVED"
	InstanceTerminated    InstanceState = "TERMINATED"
)

// StateTransition is one entry in an aggregate's append-only state history.
type StateTransition struct {
	State  string
	At     time.Time
	Reason string
}

// LabletInstance is a reservation of a LabletDefinition on a Worker.
type LabletInstance struct {
	ID                string
	DefinitionID      string
	DefinitionVersion string
	OwnerID           string
	TimeslotStart     *time.Time
	TimeslotEnd       *time.Time
	State             InstanceState
	WorkerID          string // empty until SCHEDULED
	AllocatedPorts    map[string]int
	LabID             string
	GradingScore      *float64
	StateHistory      []StateTransition
	CreatedAt         time.Time
	Version           uint64
}

// ASAP reports whether the instance has no fixed timeslot start.
func (i *LabletInstance) ASAP() bool { return i.TimeslotStart == nil }

// WorkerStatus is a state in S_W.
type WorkerStatus string

const (
	WorkerPending      WorkerStatus = "PENDING"
	WorkerProvisioning WorkerStatus = "PROVISIONING"
	WorkerRunning      WorkerStatus = "RUNNING"
	WorkerDraining     WorkerStatus = "DRAINING"
	WorkerStopping     WorkerStatus = "STOPPING"
	WorkerStopped      WorkerStatus = "STOPPED"
	WorkerTerminated   WorkerStatus = "TERMINATED"
)

// PortRange is an inclusive [Lo, Hi] range of TCP ports.
type PortRange struct {
	Lo int
	Hi int
}

// Size returns the number of ports in the range.
func (p PortRange) Size() int { return p.Hi - p.Lo + 1 }

// PortAllocation records the ports reserved for one instance on a worker.
type PortAllocation struct {
	InstanceID  string
	Ports       map[string]int
	AllocatedAt time.Time
}

// Worker is a cloud VM hosting labs via a lab-host API.
type Worker struct {
	ID                 string
	TemplateName       string
	Region             string
	InstanceType       string
	ProviderInstanceID string
	Status             WorkerStatus
	PublicEndpoint     string
	PrivateEndpoint    string
	DeclaredCapacity   ResourceRequirements
	AllocatedCapacity  ResourceRequirements
	PortRange          PortRange
	PortAllocations    []PortAllocation
	InstanceIDs        []string
	DrainStartedAt     *time.Time
	LicenseState       LicenseAffinity
	LastHealthAt       time.Time
	Tags               map[string]string
	CreatedAt          time.Time
	Version            uint64
}

// FreePorts returns the worker's port headroom.
func (w *Worker) FreePorts() int {
	used := 0
	for _, a := range w.PortAllocations {
		used += len(a.Ports)
	}
	return w.PortRange.Size() - used
}

// UsedPorts returns the set of ports currently reserved on the worker.
func (w *Worker) UsedPorts() map[int]bool {
	used := make(map[int]bool)
	for _, a := range w.PortAllocations {
		for _, p := range a.Ports {
			used[p] = true
		}
	}
	return used
}

// WorkerTemplate is a seeded class of worker the controller can provision.
type WorkerTemplate struct {
	Name         string
	InstanceType string
	Capacity     ResourceRequirements
	LicenseType  LicenseAffinity
	AMIPattern   string
	Regions      []string
	PortRange    PortRange
	DrainTimeout time.Duration
	DefaultTags  map[string]string
}
