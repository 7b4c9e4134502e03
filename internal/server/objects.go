package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/BioHazard786/warplink/internal/signaling"
)

// downloadURL is server-relative unless a public URL is configured;
// clients resolve it against the address they reached the server on.
func (s *Server) downloadURL(storagePath string) string {
	id, name := path.Split(storagePath)
	return s.opts.PublicURL + "/objects/" + id + url.PathEscape(name)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.objects == nil {
		writeError(w, http.StatusNotImplemented, "object storage disabled")
		return
	}

	name := mux.Vars(r)["name"]
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	obj, err := s.objects.Put(name, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.objectError(w, r, err)
		return
	}

	s.logger.Info("object uploaded", "path", obj.StoragePath, "bytes", obj.Size, "compressed", obj.Compressed)
	writeJSON(w, http.StatusCreated, signaling.Object{
		StoragePath: obj.StoragePath,
		DownloadURL: s.downloadURL(obj.StoragePath),
		Size:        obj.Size,
	})
}

// handleDownload serves a direct link. ?download=<name> forces a save
// dialog under that name.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.objects == nil {
		writeError(w, http.StatusNotFound, "object storage disabled")
		return
	}

	vars := mux.Vars(r)
	rc, obj, err := s.objects.Open(vars["storage_id"] + "/" + vars["name"])
	if err != nil {
		s.objectError(w, r, err)
		return
	}
	defer rc.Close()

	ctype := mime.TypeByExtension(filepath.Ext(obj.Name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	if obj.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	if r.URL.Query().Has("download") {
		filename := r.URL.Query().Get("download")
		if filename == "" {
			filename = obj.Name
		}
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}
	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("download interrupted", "path", obj.StoragePath, "error", err)
	}
}
