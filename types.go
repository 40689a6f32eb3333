package bindpack

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// JobStatus is the lifecycle state of a BuildJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobSkipped:
		return true
	default:
		return false
	}
}

// TargetSpec identifies one build unit of the matrix.
//
// A TargetSpec is a value: once declared in the configuration it is never
// modified. Key() is unique within a matrix.
type TargetSpec struct {
	Platform   string `yaml:"platform" json:"platform"`
	Arch       string `yaml:"arch" json:"arch"`
	Toolchain  string `yaml:"toolchain,omitempty" json:"toolchain,omitempty"` // pinned toolchain version, overrides the default pin
	Triple     string `yaml:"triple,omitempty" json:"triple,omitempty"`       // compiler target triple (e.g. aarch64-apple-ios)
	OutputPath string `yaml:"output,omitempty" json:"output,omitempty"`       // artifact destination, defaults to <out>/artifacts/<key>
}

// Key returns the platform-arch pair used for directory names and lookups.
func (t TargetSpec) Key() string {
	return t.Platform + "-" + t.Arch
}

// ABITag returns the tag stamped on artifacts built for this target.
func (t TargetSpec) ABITag(abiVersion string) string {
	return abiVersion + "/" + t.Key()
}

// String implements fmt.Stringer.
func (t TargetSpec) String() string {
	if t.Triple != "" {
		return fmt.Sprintf("%s (%s)", t.Key(), t.Triple)
	}
	return t.Key()
}

// BuildJob is the execution record of compiling one TargetSpec.
//
// Jobs are created pending when the matrix is expanded and are mutated only
// by the BuildOrchestrator. Done() is closed once the job is terminal, which
// is what the assembler waits on.
type BuildJob struct {
	Target       TargetSpec
	Status       JobStatus
	ArtifactPath string
	Artifact     *Artifact
	Log          []string
	Err          error
	Started      time.Time
	Finished     time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// NewBuildJob creates a pending job for the target.
func NewBuildJob(target TargetSpec) *BuildJob {
	return &BuildJob{
		Target: target,
		Status: JobPending,
		done:   make(chan struct{}),
	}
}

// Done returns a channel closed when the job reaches a terminal status.
func (j *BuildJob) Done() <-chan struct{} {
	return j.done
}

// transition moves the job to the next status. Only pending->running,
// pending->skipped and running->succeeded|failed are allowed.
func (j *BuildJob) transition(to JobStatus) error {
	allowed := false
	switch j.Status {
	case JobPending:
		allowed = to == JobRunning || to == JobSkipped
	case JobRunning:
		allowed = to == JobSucceeded || to == JobFailed
	}
	if !allowed {
		return fmt.Errorf("invalid job transition for %s: %s -> %s", j.Target.Key(), j.Status, to)
	}

	j.Status = to
	switch to {
	case JobRunning:
		j.Started = time.Now()
	case JobSucceeded, JobFailed, JobSkipped:
		j.Finished = time.Now()
		j.doneOnce.Do(func() { close(j.done) })
	}
	return nil
}

// Artifact is one compiled native library.
//
// The producing stage owns an artifact until it hands it to the next stage;
// consumers treat Content as read-only.
type Artifact struct {
	Owner    string // build job key or merge group id
	Target   TargetSpec
	Path     string
	Content  []byte
	Checksum string // sha256, hex encoded
	ABITag   string
}

// NewArtifact loads the library at path and stamps it with the target's ABI tag.
// An empty file is rejected.
func NewArtifact(owner string, target TargetSpec, path, abiVersion string) (*Artifact, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("artifact %s is empty", path)
	}

	return &Artifact{
		Owner:    owner,
		Target:   target,
		Path:     path,
		Content:  content,
		Checksum: sha256Hex(content),
		ABITag:   target.ABITag(abiVersion),
	}, nil
}

// ABIVersion returns the version part of the ABI tag.
func (a *Artifact) ABIVersion() string {
	version, _, _ := strings.Cut(a.ABITag, "/")
	return version
}

// BindingSpec declares one binding-generator invocation.
type BindingSpec struct {
	Language  string   `yaml:"language" json:"language"`
	Flags     []string `yaml:"flags,omitempty" json:"flags,omitempty"`
	OutputDir string   `yaml:"output_dir,omitempty" json:"output_dir,omitempty"`
}

// SourceFile is one generated binding source. Path is slash separated and
// relative to the generator output directory.
type SourceFile struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// BundleKind selects the assembly algorithm.
type BundleKind string

const (
	// KindSingle embeds one native library matching the installing platform
	// (dynamic-scripting runtimes such as Python wheels).
	KindSingle BundleKind = "single"

	// KindResourceTree places every library under native/<platform>-<arch>/
	// (managed runtimes that pick the library at load time).
	KindResourceTree BundleKind = "resource-tree"

	// KindSlice merges all architectures of one platform into a single
	// multi-architecture container with a slice table.
	KindSlice BundleKind = "slice"
)

// Valid reports whether k is a known bundle kind.
func (k BundleKind) Valid() bool {
	switch k {
	case KindSingle, KindResourceTree, KindSlice:
		return true
	default:
		return false
	}
}

// BundleGroup is the merge group a Bundle is assembled from.
type BundleGroup struct {
	ID       string
	Language string
	Name     string
	Kind     BundleKind
	Platform string   // set for slice and single groups
	Targets  []string // required target keys
}

// Slice is one entry of a multi-architecture container's slice table.
type Slice struct {
	Arch     string `json:"arch"`
	Offset   int64  `json:"offset"`
	Length   int64  `json:"length"`
	Checksum string `json:"sha256"`
}

// FileChecksum is one manifest entry.
type FileChecksum struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest describes the content of a Bundle. It is written as manifest.json
// at the bundle root.
type Manifest struct {
	Name       string         `json:"name"`
	Language   string         `json:"language"`
	Version    string         `json:"version"`
	Kind       BundleKind     `json:"kind"`
	ABIVersion string         `json:"abi_version"`
	Platform   string         `json:"platform,omitempty"`
	Targets    []string       `json:"targets"`
	Slices     []Slice        `json:"slices,omitempty"`
	Files      []FileChecksum `json:"files"`
}

// Bundle is a finished, version-stamped package for one language.
type Bundle struct {
	Group     BundleGroup
	Language  string
	Name      string
	Version   string
	Kind      BundleKind
	Root      string // bundle directory
	Archive   string // .tar.xz of Root
	Artifacts []*Artifact
	Manifest  *Manifest
}

// Key returns the idempotency key used by registries.
func (b *Bundle) Key() PackageKey {
	return PackageKey{Language: b.Language, Name: b.Name, Version: b.Version}
}

// PackageKey identifies a published package version.
type PackageKey struct {
	Language string `json:"language"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

// String implements fmt.Stringer.
func (k PackageKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Language, k.Name, k.Version)
}

// PublishResult records a successful publish.
type PublishResult struct {
	Key         PackageKey `json:"key"`
	Registry    string     `json:"registry"`
	StagingID   string     `json:"staging_id"`
	Checksum    string     `json:"sha256"`
	PublishedAt time.Time  `json:"published_at"`
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
