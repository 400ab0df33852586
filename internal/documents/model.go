package documents

import (
	"time"

	"gorm.io/gorm"
)

// Document is the metadata row of a collaborative document. Rows are created by the REST surface;
// the relay only advances the version and digests.
type Document struct {
	ID          string         `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID     string         `gorm:"column:owner_id;size:190;not null;index"`
	Path        string         `gorm:"column:path;size:1024;not null;default:''"`
	Version     int64          `gorm:"column:version;not null;default:1"`
	ContentHash string         `gorm:"column:content_hash;size:64;not null;default:''"`
	SidecarHash string         `gorm:"column:sidecar_hash;size:64;not null;default:''"`
	Size        int64          `gorm:"column:size;not null;default:0"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// CrdtBlob holds the encoded full CRDT state of one document.
type CrdtBlob struct {
	DocumentID string    `gorm:"column:document_id;primaryKey;size:190;not null"`
	State      []byte    `gorm:"column:state;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (CrdtBlob) TableName() string {
	return "crdt_blobs"
}

// Version records one materialized revision of a document.
type Version struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null"`
	DocumentID  string    `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_versions_document_number,priority:1"`
	Number      int64     `gorm:"column:number;not null;uniqueIndex:idx_versions_document_number,priority:2"`
	UserID      string    `gorm:"column:user_id;size:190;not null;default:''"`
	Label       string    `gorm:"column:label;size:190;not null;default:''"`
	ContentHash string    `gorm:"column:content_hash;size:64;not null;index"`
	SidecarHash string    `gorm:"column:sidecar_hash;size:64;not null"`
	Size        int64     `gorm:"column:size;not null"`
	StatsJSON   string    `gorm:"column:stats;type:text;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "versions"
}

// VersionContent holds the rendered bodies of a version.
type VersionContent struct {
	VersionID string `gorm:"column:version_id;primaryKey;size:64;not null"`
	Content   string `gorm:"column:content;type:text;not null"`
	Sidecar   string `gorm:"column:sidecar;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionContent) TableName() string {
	return "version_contents"
}

// Share describes how a document is shared beyond its owner.
type Share struct {
	ID             string     `gorm:"column:id;primaryKey;size:64;not null"`
	DocumentID     string     `gorm:"column:document_id;size:190;not null;index"`
	LinkEnabled    bool       `gorm:"column:link_enabled;not null;default:false"`
	LinkPermission string     `gorm:"column:link_permission;size:16;not null;default:'view'"`
	ExpiresAt      *time.Time `gorm:"column:expires_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Share) TableName() string {
	return "shares"
}

// ShareAccess grants a specific subject a tier through a share once accepted.
type ShareAccess struct {
	ID         string     `gorm:"column:id;primaryKey;size:64;not null"`
	ShareID    string     `gorm:"column:share_id;size:64;not null;index"`
	SubjectID  string     `gorm:"column:subject_id;size:190;not null;index"`
	Permission string     `gorm:"column:permission;size:16;not null"`
	AcceptedAt *time.Time `gorm:"column:accepted_at"`
}

// TableName provides the explicit table binding for GORM.
func (ShareAccess) TableName() string {
	return "share_accesses"
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{&Document{}, &CrdtBlob{}, &Version{}, &VersionContent{}, &Share{}, &ShareAccess{}}
}

// DocMeta is the subset of document metadata the relay reads.
type DocMeta struct {
	ID          string
	OwnerID     string
	Version     int64
	ContentHash string
	SidecarHash string
}

// Stats summarizes rendered content for a version row.
type Stats struct {
	Characters int `json:"characters"`
	Words      int `json:"words"`
	Lines      int `json:"lines"`
}

// Snapshot is one durable write: the CRDT blob always, plus a version row when NewVersion is set.
type Snapshot struct {
	DocumentID  string
	UserID      string
	State       []byte
	Content     string
	Sidecar     string
	ContentHash string
	SidecarHash string
	Stats       Stats
	// NewVersion must be exactly the stored version plus one; zero writes the blob only.
	NewVersion int64
	CapturedAt time.Time
}
