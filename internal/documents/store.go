package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/access"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates that the document does not exist or was deleted.
	ErrNotFound = errors.New("documents: not found")
	// ErrVersionConflict indicates that the stored version moved since the snapshot was prepared.
	ErrVersionConflict = errors.New("documents: version conflict")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// StoreError wraps storage failures with a stable operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew          = "documents.store.new"
	opLoadDocMeta       = "documents.load_doc_meta"
	opLoadCrdtBlob      = "documents.load_crdt_blob"
	opLatestVersion     = "documents.latest_version_content"
	opWriteSnapshot     = "documents.write_snapshot"
	opListStale         = "documents.list_stale_crdt_docs"
	opDeleteCrdtBlob    = "documents.delete_crdt_blob"
	opResolvePermission = "documents.resolve_permission"
	opLinkPermission    = "documents.link_permission"
)

const versionLabelAuto = "auto"

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store implements the relay's persistence and permission contracts on top of GORM.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// LoadDocMeta returns the metadata of a live document.
func (s *Store) LoadDocMeta(ctx context.Context, documentID string) (DocMeta, error) {
	var document Document
	err := s.db.WithContext(ctx).Where("id = ?", documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocMeta{}, newStoreError(opLoadDocMeta, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opLoadDocMeta, "select_failed", err, zap.String("document_id", documentID))
		return DocMeta{}, newStoreError(opLoadDocMeta, "select_failed", err)
	}
	return DocMeta{
		ID:          document.ID,
		OwnerID:     document.OwnerID,
		Version:     document.Version,
		ContentHash: document.ContentHash,
		SidecarHash: document.SidecarHash,
	}, nil
}

// LoadCrdtBlob returns the stored CRDT state, or nil when none exists.
func (s *Store) LoadCrdtBlob(ctx context.Context, documentID string) ([]byte, error) {
	var blob CrdtBlob
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opLoadCrdtBlob, "select_failed", err, zap.String("document_id", documentID))
		return nil, newStoreError(opLoadCrdtBlob, "select_failed", err)
	}
	return blob.State, nil
}

// LatestVersionContent returns the plain text of the newest version row. The boolean is false when
// the document has no versions.
func (s *Store) LatestVersionContent(ctx context.Context, documentID string) (string, bool, error) {
	var contents []string
	err := s.db.WithContext(ctx).
		Table("versions AS v").
		Joins("JOIN version_contents AS vc ON vc.version_id = v.id").
		Where("v.document_id = ?", documentID).
		Order("v.number DESC").
		Limit(1).
		Pluck("vc.content", &contents).Error
	if err != nil {
		s.logError(opLatestVersion, "select_failed", err, zap.String("document_id", documentID))
		return "", false, newStoreError(opLatestVersion, "select_failed", err)
	}
	if len(contents) == 0 {
		return "", false, nil
	}
	return contents[0], true, nil
}

// WriteSnapshot upserts the CRDT blob and, when snapshot.NewVersion is set, advances the document
// version and records the version row in the same transaction.
func (s *Store) WriteSnapshot(ctx context.Context, snapshot Snapshot) error {
	writtenAt := snapshot.CapturedAt
	if writtenAt.IsZero() {
		writtenAt = s.clock()
	}
	writtenAt = writtenAt.UTC()

	var stats []byte
	if snapshot.NewVersion != 0 {
		encoded, err := json.Marshal(snapshot.Stats)
		if err != nil {
			return newStoreError(opWriteSnapshot, "stats_encode_failed", err)
		}
		stats = encoded
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		blob := CrdtBlob{DocumentID: snapshot.DocumentID, State: snapshot.State, UpdatedAt: writtenAt}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).Create(&blob).Error; err != nil {
			return newStoreError(opWriteSnapshot, "blob_upsert_failed", err)
		}
		if snapshot.NewVersion == 0 {
			if err := tx.Model(&Document{}).
				Where("id = ?", snapshot.DocumentID).
				Update("updated_at", writtenAt).Error; err != nil {
				return newStoreError(opWriteSnapshot, "document_touch_failed", err)
			}
			return nil
		}

		result := tx.Model(&Document{}).
			Where("id = ? AND version = ?", snapshot.DocumentID, snapshot.NewVersion-1).
			Updates(map[string]any{
				"version":      snapshot.NewVersion,
				"content_hash": snapshot.ContentHash,
				"sidecar_hash": snapshot.SidecarHash,
				"size":         len(snapshot.Content),
				"updated_at":   writtenAt,
			})
		if result.Error != nil {
			return newStoreError(opWriteSnapshot, "document_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newStoreError(opWriteSnapshot, "version_conflict", ErrVersionConflict)
		}

		versionID, err := s.idProvider.NewID()
		if err != nil {
			return newStoreError(opWriteSnapshot, "version_id_failed", err)
		}
		version := Version{
			ID:          versionID,
			DocumentID:  snapshot.DocumentID,
			Number:      snapshot.NewVersion,
			UserID:      snapshot.UserID,
			Label:       versionLabelAuto,
			ContentHash: snapshot.ContentHash,
			SidecarHash: snapshot.SidecarHash,
			Size:        int64(len(snapshot.Content)),
			StatsJSON:   string(stats),
			CreatedAt:   writtenAt,
		}
		if err := tx.Create(&version).Error; err != nil {
			return newStoreError(opWriteSnapshot, "version_insert_failed", err)
		}
		content := VersionContent{VersionID: versionID, Content: snapshot.Content, Sidecar: snapshot.Sidecar}
		if err := tx.Create(&content).Error; err != nil {
			return newStoreError(opWriteSnapshot, "version_content_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrVersionConflict) {
			s.logError(opWriteSnapshot, "transaction_failed", txErr, zap.String("document_id", snapshot.DocumentID))
		}
		return txErr
	}
	return nil
}

// ListStaleCrdtDocs returns documents whose CRDT blob has not been written since cutoff and whose
// current content is captured by a version row, so dropping the blob loses nothing.
func (s *Store) ListStaleCrdtDocs(ctx context.Context, cutoff time.Time) ([]string, error) {
	var documentIDs []string
	err := s.db.WithContext(ctx).
		Table("crdt_blobs AS b").
		Joins("JOIN documents AS d ON d.id = b.document_id").
		Where("b.updated_at < ?", cutoff.UTC()).
		Where("EXISTS (SELECT 1 FROM versions AS v WHERE v.document_id = b.document_id AND v.content_hash = d.content_hash)").
		Order("b.document_id").
		Pluck("b.document_id", &documentIDs).Error
	if err != nil {
		s.logError(opListStale, "select_failed", err)
		return nil, newStoreError(opListStale, "select_failed", err)
	}
	return documentIDs, nil
}

// DeleteCrdtBlob removes the stored CRDT state of a document.
func (s *Store) DeleteCrdtBlob(ctx context.Context, documentID string) error {
	if err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&CrdtBlob{}).Error; err != nil {
		s.logError(opDeleteCrdtBlob, "delete_failed", err, zap.String("document_id", documentID))
		return newStoreError(opDeleteCrdtBlob, "delete_failed", err)
	}
	return nil
}

// ResolvePermission applies the grant order owner, accepted share access, active link share. It
// returns access.ErrDenied when nothing matches; a missing document also matches ErrNotFound.
func (s *Store) ResolvePermission(ctx context.Context, subjectID, documentID string) (access.Permission, error) {
	meta, err := s.LoadDocMeta(ctx, documentID)
	if err != nil {
		return "", deniedIfMissing(err)
	}
	if meta.OwnerID == subjectID {
		return access.PermissionOwner, nil
	}

	var granted []string
	err = s.db.WithContext(ctx).
		Table("share_accesses AS sa").
		Joins("JOIN shares AS s ON s.id = sa.share_id").
		Where("s.document_id = ? AND sa.subject_id = ? AND sa.accepted_at IS NOT NULL", documentID, subjectID).
		Pluck("sa.permission", &granted).Error
	if err != nil {
		s.logError(opResolvePermission, "share_access_select_failed", err, zap.String("document_id", documentID))
		return "", newStoreError(opResolvePermission, "share_access_select_failed", err)
	}
	var best access.Permission
	for _, raw := range granted {
		permission, parseErr := access.ParsePermission(raw)
		if parseErr != nil {
			s.logger.Warn("ignoring share access with invalid permission",
				zap.String("document_id", documentID),
				zap.String("permission", raw))
			continue
		}
		if best == "" || permission.Allows(best) {
			best = permission
		}
	}
	if best != "" {
		return best, nil
	}

	return s.activeLinkPermission(ctx, opResolvePermission, documentID)
}

// LinkPermission returns the tier of the document's active link share, or access.ErrDenied.
func (s *Store) LinkPermission(ctx context.Context, documentID string) (access.Permission, error) {
	if _, err := s.LoadDocMeta(ctx, documentID); err != nil {
		return "", deniedIfMissing(err)
	}
	return s.activeLinkPermission(ctx, opLinkPermission, documentID)
}

func (s *Store) activeLinkPermission(ctx context.Context, operation, documentID string) (access.Permission, error) {
	var shares []Share
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND link_enabled = ?", documentID, true).
		Where("(expires_at IS NULL OR expires_at > ?)", s.clock().UTC()).
		Order("created_at").
		Find(&shares).Error
	if err != nil {
		s.logError(operation, "share_select_failed", err, zap.String("document_id", documentID))
		return "", newStoreError(operation, "share_select_failed", err)
	}
	for _, share := range shares {
		permission, parseErr := access.ParsePermission(share.LinkPermission)
		if parseErr != nil || permission == access.PermissionOwner {
			continue
		}
		return permission, nil
	}
	return "", access.ErrDenied
}

func deniedIfMissing(err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", access.ErrDenied, err)
	}
	return err
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("documents store error", attrs...)
}
