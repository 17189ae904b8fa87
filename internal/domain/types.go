// Package domain holds the entities and enums shared by every component of
// the session orchestration engine. Components hold IDs and resolve through
// the State Store on demand; there is no shared mutable object graph here.
package domain

import "time"

// ID is a server-assigned identifier, always a UUIDv4 string.
type ID string

// BootMode is the firmware class a Machine boots under.
type BootMode string

const (
	BootModeBIOS       BootMode = "BIOS"
	BootModeUEFI       BootMode = "UEFI"
	BootModeUEFISecure BootMode = "UEFI_SECURE"
)

// HardwareDescriptor is populated by auto-discovery (spec.md §3).
type HardwareDescriptor struct {
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Serial       string   `json:"serial,omitempty"`
	BIOSVersion  string   `json:"bios_version,omitempty"`
	CPU          string   `json:"cpu,omitempty"`
	RAMBytes     int64    `json:"ram_bytes,omitempty"`
	NICs         []string `json:"nics,omitempty"`
}

// Machine is a physical client PC.
type Machine struct {
	ID         ID                  `json:"id"`
	Name       string              `json:"name"`
	MACAddress string              `json:"mac_address"` // canonical lowercase colon form
	IPAddress  string              `json:"ip_address,omitempty"`
	BootMode   BootMode            `json:"boot_mode"`
	IsOnline   bool                `json:"is_online"`
	Disabled   bool                `json:"disabled"`
	Hardware   *HardwareDescriptor `json:"hardware,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// ImageFormat is the on-disk container format of an Image.
type ImageFormat string

const (
	ImageFormatVHDX  ImageFormat = "VHDX"
	ImageFormatQCOW2 ImageFormat = "QCOW2"
	ImageFormatRAW   ImageFormat = "RAW"
)

// ImageType classifies what an Image is used for.
type ImageType string

const (
	ImageTypeSystem   ImageType = "SYSTEM"
	ImageTypeData     ImageType = "DATA"
	ImageTypeTemplate ImageType = "TEMPLATE"
)

// ImageStatus is the Image lifecycle state (spec.md §4.2).
type ImageStatus string

const (
	ImageUploading  ImageStatus = "UPLOADING"
	ImageProcessing ImageStatus = "PROCESSING"
	ImageConverting ImageStatus = "CONVERTING"
	ImageReady      ImageStatus = "READY"
	ImageError      ImageStatus = "ERROR"
)

// Image is an uploaded and possibly converted disk image.
type Image struct {
	ID                ID          `json:"id"`
	Name              string      `json:"name"`
	OriginalFilename  string      `json:"original_filename"`
	Format            ImageFormat `json:"format"`
	ImageType         ImageType   `json:"image_type"`
	SizeBytes         int64       `json:"size_bytes"`
	VirtualSizeBytes  int64       `json:"virtual_size_bytes"`
	ChecksumMD5       string      `json:"checksum_md5"`
	ChecksumSHA256    string      `json:"checksum_sha256"`
	Status            ImageStatus `json:"status"`
	StoragePath       string      `json:"storage_path,omitempty"`
	ProcessingLog     string      `json:"processing_log,omitempty"`
	ErrorMessage      string      `json:"error_message,omitempty"`
	ConversionPercent int         `json:"conversion_percent,omitempty"`
	ClaimedAt         time.Time   `json:"claimed_at,omitempty"`
	Deleted           bool        `json:"deleted,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// IsTerminal reports whether the image has reached READY or ERROR.
func (s ImageStatus) IsTerminal() bool {
	return s == ImageReady || s == ImageError
}

// TargetStatus is the iSCSI Target lifecycle state (spec.md §3).
type TargetStatus string

const (
	TargetPending  TargetStatus = "PENDING"
	TargetActive   TargetStatus = "ACTIVE"
	TargetInactive TargetStatus = "INACTIVE"
	TargetError    TargetStatus = "ERROR"
)

// Target is an iSCSI exposure of one Image for one Machine.
type Target struct {
	ID             ID           `json:"id"`
	MachineID      ID           `json:"machine_id"`
	ImageID        ID           `json:"image_id"`
	IQN            string       `json:"iqn"`
	LUNID          int          `json:"lun_id"`
	InitiatorIQN   string       `json:"initiator_iqn"`
	BackstoreName  string       `json:"backstore_name"`
	ImagePath      string       `json:"image_path"`
	Status         TargetStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// SessionType classifies why a Session was started (spec.md §3).
type SessionType string

const (
	SessionDisklessBoot SessionType = "DISKLESS_BOOT"
	SessionMaintenance  SessionType = "MAINTENANCE"
	SessionTesting      SessionType = "TESTING"
)

// SessionStatus is a state in the Session Orchestrator's state machine
// (spec.md §4.6).
type SessionStatus string

const (
	SessionPending  SessionStatus = "PENDING"
	SessionStarting SessionStatus = "STARTING"
	SessionActive   SessionStatus = "ACTIVE"
	SessionStopping SessionStatus = "STOPPING"
	SessionStopped  SessionStatus = "STOPPED"
	SessionError    SessionStatus = "ERROR"
	SessionTimeout  SessionStatus = "TIMEOUT"
)

// IsTerminal reports whether the session has reached a final state. Terminal
// session rows are immutable (spec.md §3).
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStopped, SessionError, SessionTimeout:
		return true
	default:
		return false
	}
}

// IsNonTerminal is the complement of IsTerminal, matching the "at most one
// non-terminal session per machine" invariant (spec.md §3, §8 property 1).
func (s SessionStatus) IsNonTerminal() bool {
	return !s.IsTerminal()
}

// Session is one diskless boot occurrence.
type Session struct {
	ID            ID            `json:"id"`
	MachineID     ID            `json:"machine_id"`
	TargetID      ID            `json:"target_id,omitempty"`
	ImageID       ID            `json:"image_id"`
	SessionType   SessionType   `json:"session_type"`
	Status        SessionStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	LastActivity  time.Time     `json:"last_activity,omitempty"`
	EndedAt       time.Time     `json:"ended_at,omitempty"`
	ClientIP      string        `json:"client_ip,omitempty"`
	InitiatorIQN  string        `json:"initiator_iqn,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// AuditEvent is an append-only record of actor, action, resource, outcome.
type AuditEvent struct {
	ID         ID        `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID ID        `json:"resource_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}
