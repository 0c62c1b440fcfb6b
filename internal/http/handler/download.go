package handler

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"jp2web/internal/conversion"
	"jp2web/internal/errors"
)

func attachment(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
}

func (h *JobHandler) completed(w http.ResponseWriter, r *http.Request) (*conversion.Job, bool) {
	j, ok := h.job(w, r)
	if !ok {
		return nil, false
	}
	if j.Status != conversion.StatusCompleted {
		http.Error(w, "job is not completed", http.StatusConflict)
		return nil, false
	}
	return j, true
}

// Download serves the primary output file.
func (h *JobHandler) Download(w http.ResponseWriter, r *http.Request) {
	j, ok := h.completed(w, r)
	if !ok {
		return
	}
	paths, err := h.Svc.OutputPaths(j)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	attachment(w, filepath.Base(paths[0]))
	w.Header().Set("Content-Type", "image/jp2")
	http.ServeFile(w, r, paths[0])
}

func (h *JobHandler) Report(w http.ResponseWriter, r *http.Request) {
	j, ok := h.job(w, r)
	if !ok {
		return
	}
	p, err := h.Svc.ReportFile(j)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	attachment(w, "report_"+j.ID+".json")
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, p)
}

// DownloadAll streams every output of a multi-page job as one zip.
func (h *JobHandler) DownloadAll(w http.ResponseWriter, r *http.Request) {
	j, ok := h.completed(w, r)
	if !ok {
		return
	}
	paths, err := h.Svc.OutputPaths(j)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}

	entries := make([]zipEntry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, zipEntry{Name: filepath.Base(p), Path: p})
	}
	h.writeZip(w, "job_"+j.ID+".zip", entries)
}

func (h *JobHandler) batchDownload(w http.ResponseWriter, r *http.Request, userID uint64, ids []string) {
	if len(ids) == 0 {
		http.Error(w, "no jobs selected", http.StatusBadRequest)
		return
	}
	done, err := h.Svc.Completed(r.Context(), userID, ids)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	if len(done) == 0 {
		http.Error(w, "no completed jobs selected", http.StatusNotFound)
		return
	}

	var entries []zipEntry
	for i := range done {
		paths, err := h.Svc.OutputPaths(&done[i])
		if err != nil {
			h.log().Warnw("Skipping job without outputs", "job_id", done[i].ID, "error", err)
			continue
		}
		for _, p := range paths {
			entries = append(entries, zipEntry{Name: done[i].ID + "/" + filepath.Base(p), Path: p})
		}
	}
	if len(entries) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.writeZip(w, "jp2_batch.zip", entries)
}

type zipEntry struct {
	Name string
	Path string
}

func (h *JobHandler) writeZip(w http.ResponseWriter, name string, entries []zipEntry) {
	attachment(w, name)
	w.Header().Set("Content-Type", "application/zip")

	zw := zip.NewWriter(w)
	for _, e := range entries {
		if err := addFile(zw, e); err != nil {
			// headers are already sent; the truncated archive is the signal
			h.log().Errorw("Zip stream aborted", "file", e.Path, "error", err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		h.log().Errorw("Zip close failed", "error", err)
	}
}

func addFile(zw *zip.Writer, e zipEntry) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return errors.Wrapf(err, "open %s", e.Path)
	}
	defer f.Close()

	// jp2 is already compressed
	dst, err := zw.CreateHeader(&zip.FileHeader{Name: e.Name, Method: zip.Store})
	if err != nil {
		return errors.Wrapf(err, "zip header %s", e.Name)
	}
	_, err = io.Copy(dst, f)
	return errors.Wrapf(err, "zip copy %s", e.Name)
}
