package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pixelbard/bardgen/internal/api"
	"github.com/pixelbard/bardgen/internal/auth"
	"github.com/pixelbard/bardgen/internal/tokens"
)

const maxUploadBytes = 32 << 20

// imageResult is one generated image variant in an API response.
// LocalURL is served from the re-host directory; RemoteURL is the
// upstream origin.
type imageResult struct {
	LocalURL  string `json:"localUrl,omitempty"`
	RemoteURL string `json:"remoteUrl"`
	FileName  string `json:"fileName,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Token     string `json:"token,omitempty"`
	ChunkID   string `json:"chunkId,omitempty"`
}

type generateResponse struct {
	ConversationID string        `json:"conversationId"`
	ResponseID     string        `json:"responseId"`
	Model          string        `json:"model,omitempty"`
	Images         []imageResult `json:"images"`
	Failed         []failedFile  `json:"failed,omitempty"`
}

type failedFile struct {
	FileName string `json:"fileName"`
	Error    string `json:"error"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		jsonError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}
	prompt := r.FormValue("prompt")
	if prompt == "" {
		jsonError(w, http.StatusBadRequest, errors.New("prompt is required"))
		return
	}

	var files []api.File
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["file"] {
			f, err := fh.Open()
			if err != nil {
				jsonError(w, http.StatusBadRequest, fmt.Errorf("open %s: %w", fh.Filename, err))
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				jsonError(w, http.StatusBadRequest, fmt.Errorf("read %s: %w", fh.Filename, err))
				return
			}
			files = append(files, api.File{
				Data:     data,
				FileName: fh.Filename,
				MimeType: fh.Header.Get("Content-Type"),
			})
		}
	}

	result, err := s.api.GenerateImages(r.Context(), prompt, files)
	if err != nil {
		jsonError(w, statusFor(err), err)
		return
	}

	resp := generateResponse{
		ConversationID: result.ConversationID,
		ResponseID:     result.ResponseID,
		Model:          result.ModelName,
		Images:         make([]imageResult, 0, len(result.Images)),
	}
	for _, f := range result.Failed {
		resp.Failed = append(resp.Failed, failedFile{FileName: f.FileName, Error: f.Err.Error()})
	}
	for _, img := range result.Images {
		ir := imageResult{
			RemoteURL: img.URL,
			FileName:  img.FileName,
			MimeType:  img.MimeType,
			Width:     img.Width,
			Height:    img.Height,
			Token:     img.Token,
			ChunkID:   img.ChunkID,
		}
		local, err := s.rehost(r, img.URL, img.MimeType)
		if err != nil {
			s.logger.Warn("rehost failed", "url", img.URL, "err", err)
		} else {
			ir.LocalURL = local
		}
		resp.Images = append(resp.Images, ir)
	}
	jsonResp(w, http.StatusOK, resp)
}

func (s *Server) handleUpscale(w http.ResponseWriter, r *http.Request) {
	var req api.UpscaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.ConversationID == "" || req.ImageToken == "" {
		jsonError(w, http.StatusBadRequest, errors.New("conversationId and imageToken are required"))
		return
	}

	url, err := s.api.Upscale(r.Context(), req)
	if err != nil {
		jsonError(w, statusFor(err), err)
		return
	}

	result := imageResult{RemoteURL: url}
	if local, err := s.rehost(r, url, ""); err != nil {
		s.logger.Warn("rehost failed", "url", url, "err", err)
	} else {
		result.LocalURL = local
	}
	jsonResp(w, http.StatusOK, result)
}

func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Start(r.Context()); err != nil {
		jsonError(w, http.StatusConflict, err)
		return
	}
	jsonResp(w, http.StatusAccepted, s.sessions.Status())
}

func (s *Server) handleAuthStop(w http.ResponseWriter, r *http.Request) {
	s.sessions.Stop()
	jsonResp(w, http.StatusOK, s.sessions.Status())
}

// authStatusResponse extends the session state with whether the store
// currently holds a usable cookie set.
type authStatusResponse struct {
	auth.Status
	Authenticated bool `json:"authenticated"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, authStatusResponse{
		Status:        s.sessions.Status(),
		Authenticated: s.store.HasRequired(),
	})
}

// rehost downloads an image and serves it from the local image
// directory, returning the path under /images/.
func (s *Server) rehost(r *http.Request, url, mimeType string) (string, error) {
	data, err := s.api.Download(r.Context(), url)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.imageDir, 0o755); err != nil {
		return "", err
	}
	name := uuid.NewString() + extensionFor(mimeType, data)
	if err := os.WriteFile(filepath.Join(s.imageDir, name), data, 0o644); err != nil {
		return "", err
	}
	return "/images/" + name, nil
}

func extensionFor(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// statusFor maps client errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tokens.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, api.ErrNoImagesProduced):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auth.ErrSessionRunning):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
