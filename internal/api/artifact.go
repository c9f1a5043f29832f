package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/sessionctl/internal/domain"
)

// ArtifactStore persists uploaded artifact bytes and returns a stable URL
// for later retrieval. The real object store lives outside this repo's
// scope (spec §1); this is the minimal seam the core needs to hand
// callers a URL and move on.
type ArtifactStore interface {
	Save(sessionID, artifactID, filename string, r io.Reader) (url string, err error)
}

// FilesystemArtifactStore is a local/dev-friendly ArtifactStore, grounded
// in the teacher's per-user volume-path convention for laying out
// filesystem state under a session-scoped directory.
type FilesystemArtifactStore struct {
	Dir           string
	PublicBaseURL string
}

// NewFilesystemArtifactStore creates a FilesystemArtifactStore rooted at dir.
func NewFilesystemArtifactStore(dir, publicBaseURL string) *FilesystemArtifactStore {
	return &FilesystemArtifactStore{Dir: dir, PublicBaseURL: publicBaseURL}
}

func (s *FilesystemArtifactStore) Save(sessionID, artifactID, filename string, r io.Reader) (string, error) {
	dir := filepath.Join(s.Dir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	ext := filepath.Ext(filename)
	path := filepath.Join(dir, artifactID+ext)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("write artifact file: %w", err)
	}
	return fmt.Sprintf("%s/%s/%s%s", s.PublicBaseURL, sessionID, artifactID, ext), nil
}

// HandleUploadArtifact implements POST /sessions/{sessionID}/artifact: a
// multipart upload of a binary artifact (e.g. a screenshot) with
// accompanying metadata, returning a stable URL and persisting an
// `artifact` event exactly as other ingress events are persisted (spec §6).
func (h *Handler) HandleUploadArtifact(store ArtifactStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")

		maxUpload := h.cfg.Artifact.MaxUploadBytes
		if maxUpload <= 0 {
			maxUpload = 20 << 20
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			Error(w, http.StatusBadRequest, "invalid multipart upload")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			Error(w, http.StatusBadRequest, "file field is required")
			return
		}
		defer file.Close()

		artifactType := domain.ArtifactType(r.FormValue("type"))
		if artifactType == "" {
			artifactType = domain.ArtifactTypeScreenshot
		}
		metadata := r.FormValue("metadata")

		artifactID := uuid.NewString()
		url, err := store.Save(sessionID, artifactID, header.Filename, file)
		if err != nil {
			Error(w, http.StatusInternalServerError, "failed to store artifact")
			return
		}

		now := time.Now()
		art := &domain.Artifact{
			ID:        artifactID,
			SessionID: sessionID,
			Type:      artifactType,
			URL:       url,
			Metadata:  metadata,
			CreatedAt: now,
		}
		if err := h.repo.InsertArtifact(r.Context(), art); err != nil {
			Error(w, http.StatusInternalServerError, "failed to record artifact")
			return
		}

		evt := &domain.Event{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Type:      domain.EventTypeArtifact,
			Data:      fmt.Sprintf(`{"artifactId":%q,"artifactType":%q,"url":%q}`, artifactID, artifactType, url),
			CreatedAt: now,
		}
		if err := h.repo.AppendEvent(r.Context(), evt); err != nil {
			Error(w, http.StatusInternalServerError, "failed to append artifact event")
			return
		}
		h.hub.BroadcastEvent(sessionID, evt)

		JSON(w, http.StatusOK, map[string]string{"artifactId": artifactID, "url": url})
	}
}
