package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/moments/internal/cache"
	"github.com/and161185/moments/internal/model"
)

const maxBodyBytes = 1 << 20

// tagList decodes either a JSON array or a comma separated string.
type tagList []string

func (t *tagList) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*t = list
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("tags: want array or string")
	}
	*t = model.ParseTags(s)
	return nil
}

type createRequest struct {
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	Tags      tagList `json:"tags"`
	ImageURL  string  `json:"image_url"`
	ImageName string  `json:"image_name"`
}

type updateRequest struct {
	Title   *string  `json:"title"`
	Content *string  `json:"content"`
	Tags    *tagList `json:"tags"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error(op,
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, code, msg)
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.posts.List(r.Context())
	if err != nil {
		s.fail(w, r, "list posts", err)
		return
	}
	if posts == nil {
		posts = []model.Post{}
	}
	n := len(posts)
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: posts, Count: &n})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	p, err := s.posts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, "get post", err)
		return
	}
	writeData(w, http.StatusOK, p)
}

type statsResponse struct {
	*model.Stats
	Cache *cache.Stats `json:"cache,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.posts.Stats(r.Context())
	if err != nil {
		s.fail(w, r, "stats", err)
		return
	}
	resp := statsResponse{Stats: st}
	if cs, ok := s.posts.(interface{ CacheStats() cache.Stats }); ok {
		c := cs.CacheStats()
		resp.Cache = &c
	}
	writeData(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.posts.Health(r.Context())
	code := http.StatusOK
	if !h.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, envelope{Success: h.Healthy(), Data: h})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	p, err := s.posts.Create(r.Context(), model.PostInput{
		Title:     req.Title,
		Content:   req.Content,
		Tags:      req.Tags,
		ImageURL:  req.ImageURL,
		ImageName: req.ImageName,
	})
	if err != nil {
		s.fail(w, r, "create post", err)
		return
	}
	s.log.Info("post created", zap.String("id", p.ID), zap.String("by", UsernameFrom(r.Context())))
	writeData(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	patch := model.PostPatch{Title: req.Title, Content: req.Content}
	if req.Tags != nil {
		patch.Tags = []string(*req.Tags)
		if patch.Tags == nil {
			patch.Tags = []string{}
		}
	}
	p, err := s.posts.Update(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		s.fail(w, r, "update post", err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ok, err := s.posts.Delete(r.Context(), id)
	if err != nil {
		s.fail(w, r, "delete post", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	s.log.Info("post deleted", zap.String("id", id), zap.String("by", UsernameFrom(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(SessionCookie)
	if err == nil {
		if err := s.auth.Logout(r.Context(), c.Value); err != nil {
			s.fail(w, r, "logout", err)
			return
		}
	}
	s.clearSessionCookie(w)
	if wantsHTML(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"logged_out": true})
}

func (s *Server) handleCleanupSessions(w http.ResponseWriter, r *http.Request) {
	n, err := s.auth.CleanupSessions(r.Context())
	if err != nil {
		s.fail(w, r, "cleanup sessions", err)
		return
	}
	writeData(w, http.StatusOK, map[string]int64{"removed": n})
}
