package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/BioHazard786/warplink/internal/objectstore"
	"github.com/BioHazard786/warplink/internal/record"
	"github.com/BioHazard786/warplink/internal/signaling"
)

const (
	maxRecordBody = 1 << 20
	createRetries = 5
)

// storeError writes the HTTP status matching a store error.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, record.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, record.ErrFieldConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, record.ErrOfferMissing):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, record.ErrInvalidField):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("store request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var in record.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBody)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid record: "+err.Error())
		return
	}
	if in.Name == "" || in.Size < 0 {
		writeError(w, http.StatusBadRequest, "name and a non-negative size are required")
		return
	}
	if in.StoragePath != "" && s.objects != nil {
		rc, _, err := s.objects.Open(in.StoragePath)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown storage path")
			return
		}
		_ = rc.Close()
	}

	token, hash, err := newOwnerToken()
	if err != nil {
		s.logger.Error("generating owner token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := s.now()
	rec := record.Record{
		Name:           in.Name,
		Size:           in.Size,
		Type:           in.Type,
		DownloadURL:    in.DownloadURL,
		StoragePath:    in.StoragePath,
		Offer:          in.Offer,
		OwnerTokenHash: hash,
	}
	if s.opts.RecordTTL > 0 {
		rec.ExpiresAt = now.Add(s.opts.RecordTTL).UnixMilli()
	}

	// four-word ids can collide; pick another
	var created record.Record
	for attempt := 0; ; attempt++ {
		created, err = s.store.Create(r.Context(), rec)
		if !errors.Is(err, record.ErrExists) || attempt == createRetries {
			break
		}
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	s.logger.Info("record created", "record", created.ID, "name", created.Name, "size", created.Size, "direct", created.HasDirectLink())
	writeJSON(w, http.StatusCreated, signaling.CreateResponse{Record: created.Public(), OwnerToken: token})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Public())
}

// handleShare resolves a share link. Browsers are sent to the direct link
// when there is one; otherwise the public record is returned.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if !rec.HasDirectLink() {
		writeJSON(w, http.StatusOK, rec.Public())
		return
	}

	if _, err := s.store.IncrementDownloadCount(r.Context(), rec.ID); err != nil {
		s.logger.Warn("counting download failed", "record", rec.ID, "error", err)
	}
	target := rec.DownloadURL + "?download=" + url.QueryEscape(rec.Name)
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handlePatchRecord(w http.ResponseWriter, r *http.Request) {
	var patch record.Patch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBody)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patch: "+err.Error())
		return
	}
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "empty patch")
		return
	}

	if err := s.store.UpdateFields(r.Context(), mux.Vars(r)["id"], patch); err != nil {
		s.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCountDownload(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.IncrementDownloadCount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signaling.CountResponse{DownloadCount: n})
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if !checkOwnerToken(rec.OwnerTokenHash, r.Header.Get(signaling.OwnerTokenHeader)) {
		writeError(w, http.StatusForbidden, "owner token rejected")
		return
	}

	if err := s.store.Delete(r.Context(), id); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.deleteObject(rec)
	s.logger.Info("record deleted", "record", id)
	w.WriteHeader(http.StatusNoContent)
}

// objectError writes the HTTP status matching an object store error.
func (s *Server) objectError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, objectstore.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, objectstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("object request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
