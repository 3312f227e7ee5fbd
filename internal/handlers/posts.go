package handlers

import (
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/PortNumber53/crosspost/internal/apperr"
	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/posts"
)

const maxUploadMemory = 25 << 20

type postRequest struct {
	Caption   string   `json:"caption" validate:"max=5000"`
	Platforms []string `json:"platforms" validate:"omitempty,max=6,dive,required"`
	MediaURLs []string `json:"mediaUrls" validate:"omitempty,max=10,dive,url"`
	uploads   []posts.Upload
	closers   []multipart.File
}

func (p *postRequest) close() {
	for _, f := range p.closers {
		_ = f.Close()
	}
}

// readPostRequest accepts JSON or multipart/form-data with `caption`, `platforms`
// (repeated or comma separated), `mediaUrls` and `media` files.
func (h *Handler) readPostRequest(r *http.Request) (*postRequest, error) {
	req := &postRequest{}
	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			return nil, apperr.Validation("invalid multipart body")
		}
		form := r.MultipartForm
		req.Caption = strings.TrimSpace(r.FormValue("caption"))
		req.Platforms = splitValues(form.Value["platforms"])
		req.MediaURLs = splitValues(form.Value["mediaUrls"])
		for _, fh := range form.File["media"] {
			f, err := fh.Open()
			if err != nil {
				req.close()
				return nil, apperr.Validation("unreadable media file " + fh.Filename)
			}
			req.closers = append(req.closers, f)
			req.uploads = append(req.uploads, posts.Upload{
				Filename:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Body:        f,
			})
		}
	} else if err := decodeJSON(r, req); err != nil {
		return nil, err
	}
	if err := check(h.validate, req); err != nil {
		req.close()
		return nil, err
	}
	return req, nil
}

func splitValues(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func parsePlatforms(names []string) ([]models.Platform, error) {
	out := make([]models.Platform, 0, len(names))
	for _, n := range names {
		p, ok := models.ParsePlatform(n)
		if !ok {
			return nil, apperr.Validation("unsupported platform " + n)
		}
		out = append(out, p)
	}
	return out, nil
}

// writeOutcome reports platform failures inside the outcome, not through the status.
func writeOutcome(w http.ResponseWriter, status int, out posts.Outcome) {
	writeJSON(w, status, envelope{OK: out.OK, Message: out.Message, Data: out})
}

func (h *Handler) CreatePostForUser(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	req, err := h.readPostRequest(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer req.close()
	targets, err := parsePlatforms(req.Platforms)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	out, err := h.posts.CreatePost(r.Context(), posts.CreateRequest{
		UserID:    userID,
		Caption:   req.Caption,
		MediaURLs: req.MediaURLs,
		Uploads:   req.uploads,
		Platforms: targets,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeOutcome(w, http.StatusCreated, out)
}

func (h *Handler) UpdatePostForUser(w http.ResponseWriter, r *http.Request) {
	req, err := h.readPostRequest(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer req.close()
	out, err := h.posts.EditPost(r.Context(), posts.EditRequest{
		PostID:    pathVar(r, "postId"),
		UserID:    pathVar(r, "userId"),
		Caption:   req.Caption,
		MediaURLs: req.MediaURLs,
		Uploads:   req.uploads,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeOutcome(w, http.StatusOK, out)
}

func (h *Handler) DeletePostForUser(w http.ResponseWriter, r *http.Request) {
	out, err := h.posts.DeletePost(r.Context(), pathVar(r, "postId"), pathVar(r, "userId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeOutcome(w, http.StatusOK, out)
}

type listPostsResponse struct {
	Posts   []models.Post                     `json:"posts"`
	History map[models.Platform]posts.History `json:"history,omitempty"`
}

// ListPostsForUser returns local posts and, with history=true, each connected
// platform's own listing. Platform cursors are passed as cursor.<platform>=...
func (h *Handler) ListPostsForUser(w http.ResponseWriter, r *http.Request) {
	userID := pathVar(r, "userId")
	start, err := queryInt(r, "start", 0)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", posts.DefaultPageSize)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	list, err := h.posts.ListPosts(r.Context(), userID, start, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	resp := listPostsResponse{Posts: list}
	if strings.EqualFold(r.URL.Query().Get("history"), "true") {
		cursors := map[models.Platform]string{}
		for _, p := range models.AllPlatforms {
			if c := strings.TrimSpace(r.URL.Query().Get("cursor." + string(p))); c != "" {
				cursors[p] = c
			}
		}
		hist, err := h.posts.PlatformHistory(r.Context(), userID, cursors, limit)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		resp.History = hist
	}
	writeOK(w, http.StatusOK, "ok", resp)
}
