package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/tendant/simple-file/pkg/simplefile"
)

// DefaultMaxUploadBytes caps the size of a single uploaded file
const DefaultMaxUploadBytes int64 = 32 << 20

// FilesHandler serves the HTTP API for saving, reading, replacing and deleting files by alias
type FilesHandler struct {
	service        simplefile.Service
	maxUploadBytes int64
}

// HandlerOption configures a FilesHandler
type HandlerOption func(*FilesHandler)

// WithMaxUploadBytes sets the largest accepted upload
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *FilesHandler) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

func NewFilesHandler(service simplefile.Service, opts ...HandlerOption) *FilesHandler {
	h := &FilesHandler{
		service:        service,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router for files endpoints. Aliases may contain
// slashes, so they are matched with a wildcard and should be path-escaped
// by clients when they contain "://". GET with ?meta=true returns the alias
// record instead of the bytes.
func (h *FilesHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.UploadFile)
	r.Post("/gc", h.CollectOrphans)
	r.Get("/*", h.DownloadFile)
	r.Put("/*", h.ReplaceFile)
	r.Delete("/*", h.DeleteFile)
	return r
}

// FileInfoResponse describes an alias and where its bytes are served from
type FileInfoResponse struct {
	Alias        string     `json:"alias"`
	FileURI      string     `json:"file_uri"`
	OriginalName string     `json:"original_name,omitempty"`
	Access       string     `json:"access,omitempty"`
	Expire       *time.Time `json:"expire,omitempty"`
	Path         string     `json:"path"`
	URL          string     `json:"url,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ReplaceFileResponse reports the location of an alias after a replace
type ReplaceFileResponse struct {
	Alias string `json:"alias"`
	Path  string `json:"path"`
	URL   string `json:"url,omitempty"`
}

// ErrorResponse is the JSON body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// DownloadURLer is implemented by blob stores that can hand out signed URLs
type DownloadURLer interface {
	DownloadURL(ctx context.Context, key string, filename string) (string, error)
}

// upload is a parsed multipart request body
type upload struct {
	data         []byte
	alias        string
	originalName string
	access       string
	expire       *time.Time
}

// UploadFile saves the multipart "file" part under the optional "alias" field
func (h *FilesHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	up, err := h.parseUpload(w, r)
	if err != nil {
		slog.Error("Invalid upload", "error", err)
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	saved, err := h.service.SaveFromBytes(r.Context(), up.data, simplefile.SaveFileRequest{
		Alias:        up.alias,
		OriginalName: up.originalName,
		Access:       up.access,
		Expire:       up.expire,
	})
	if err != nil {
		slog.Error("Failed to save file", "alias", up.alias, "error", err)
		writeServiceError(w, r, err)
		return
	}

	resp, err := h.fileInfo(saved)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	slog.Info("File saved", "alias", saved.Alias, "file_uri", saved.FileURI, "size", len(up.data))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// GetFileInfo returns the alias record and its serving path
func (h *FilesHandler) GetFileInfo(w http.ResponseWriter, r *http.Request) {
	alias, err := aliasParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	found, err := h.service.GetAlias(r.Context(), alias)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp, err := h.fileInfo(found)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// DownloadFile streams the bytes stored under an alias. With redirect=true it
// redirects to a signed URL when the blob store can produce one.
func (h *FilesHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	alias, err := aliasParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if r.URL.Query().Get("meta") == "true" {
		h.GetFileInfo(w, r)
		return
	}

	if r.URL.Query().Get("redirect") == "true" {
		if location, ok := h.signedURL(r.Context(), alias); ok {
			http.Redirect(w, r, location, http.StatusTemporaryRedirect)
			return
		}
	}

	reader, found, err := h.service.Open(r.Context(), alias)
	if err != nil {
		slog.Error("Failed to open file", "alias", alias, "error", err)
		writeServiceError(w, r, err)
		return
	}
	defer reader.Close()

	contentType := "application/octet-stream"
	if ext := found.Extension(); ext != "" {
		if byExt := mime.TypeByExtension("." + ext); byExt != "" {
			contentType = byExt
		}
	}
	w.Header().Set("Content-Type", contentType)
	if found.OriginalName != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": found.OriginalName}))
	}

	if _, err := io.Copy(w, reader); err != nil {
		slog.Error("Failed to stream file", "alias", alias, "error", err)
	}
}

// ReplaceFile overwrites the content and attributes of an existing alias
func (h *FilesHandler) ReplaceFile(w http.ResponseWriter, r *http.Request) {
	alias, err := aliasParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	up, err := h.parseUpload(w, r)
	if err != nil {
		slog.Error("Invalid upload", "alias", alias, "error", err)
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	path, err := h.service.Replace(r.Context(), simplefile.FileAlias{Alias: alias}, up.data, simplefile.ReplaceFileRequest{
		OriginalName: up.originalName,
		Access:       up.access,
		Expire:       up.expire,
	})
	if err != nil {
		slog.Error("Failed to replace file", "alias", alias, "error", err)
		writeServiceError(w, r, err)
		return
	}

	slog.Info("File replaced", "alias", alias, "path", path.URI)
	render.JSON(w, r, ReplaceFileResponse{Alias: alias, Path: path.URI, URL: path.URL()})
}

// DeleteFile removes an alias and, when it was the last reference, its blob
func (h *FilesHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	alias, err := aliasParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if err := h.service.Delete(r.Context(), alias); err != nil {
		slog.Error("Failed to delete file", "alias", alias, "error", err)
		writeServiceError(w, r, err)
		return
	}

	slog.Info("File deleted", "alias", alias)
	w.WriteHeader(http.StatusNoContent)
}

// CollectOrphans runs an orphan sweep. It is a dry run unless apply=true.
func (h *FilesHandler) CollectOrphans(w http.ResponseWriter, r *http.Request) {
	req := simplefile.CollectOrphansRequest{}
	if v := r.URL.Query().Get("batch"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, errors.New("batch must be a non-negative integer"))
			return
		}
		req.BatchSize = n
	}
	if v := r.URL.Query().Get("apply"); v != "" {
		apply, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, errors.New("apply must be a boolean"))
			return
		}
		req.Apply = apply
	}

	result, err := h.service.CollectOrphans(r.Context(), req)
	if err != nil {
		slog.Error("Failed to collect orphans", "error", err)
		writeServiceError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

func (h *FilesHandler) parseUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		return nil, err
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, errors.New("multipart field \"file\" is required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxUploadBytes {
		return nil, errors.New("file exceeds the upload limit")
	}

	up := &upload{
		data:         data,
		alias:        strings.TrimSpace(r.FormValue("alias")),
		originalName: r.FormValue("original_name"),
		access:       r.FormValue("access"),
	}
	if up.originalName == "" {
		up.originalName = header.Filename
	}
	if v := r.FormValue("expire"); v != "" {
		expire, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errors.New("expire must be an RFC3339 timestamp")
		}
		up.expire = &expire
	}
	return up, nil
}

// signedURL returns a signed download URL when the alias lives on a store that
// supports them
func (h *FilesHandler) signedURL(ctx context.Context, alias string) (string, bool) {
	found, err := h.service.GetAlias(ctx, alias)
	if err != nil {
		return "", false
	}
	mount, err := simplefile.MountOf(found.FileURI)
	if err != nil {
		return "", false
	}
	store, err := h.service.GetBackend(mount)
	if err != nil {
		return "", false
	}
	signer, ok := store.(DownloadURLer)
	if !ok {
		return "", false
	}
	location, err := signer.DownloadURL(ctx, simplefile.StripMountPrefix(found.FileURI), found.OriginalName)
	if err != nil {
		slog.Warn("Failed to sign download URL", "alias", alias, "error", err)
		return "", false
	}
	return location, true
}

func (h *FilesHandler) fileInfo(alias *simplefile.FileAlias) (*FileInfoResponse, error) {
	path, err := h.service.CreateFilePath(*alias)
	if err != nil {
		return nil, err
	}
	return &FileInfoResponse{
		Alias:        alias.Alias,
		FileURI:      alias.FileURI,
		OriginalName: alias.OriginalName,
		Access:       alias.Access,
		Expire:       alias.Expire,
		Path:         path.URI,
		URL:          path.URL(),
		CreatedAt:    alias.CreatedAt,
		UpdatedAt:    alias.UpdatedAt,
	}, nil
}

func aliasParam(r *http.Request) (string, error) {
	alias, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		return "", err
	}
	if alias == "" {
		return "", errors.New("alias is required")
	}
	return alias, nil
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, simplefile.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, simplefile.ErrAliasExists), errors.Is(err, simplefile.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, simplefile.ErrInvalidURI):
		return http.StatusUnprocessableEntity
	case errors.Is(err, simplefile.ErrMisconfigured), errors.Is(err, simplefile.ErrBackendNotFound):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusFor(err), err)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: err.Error()})
}
