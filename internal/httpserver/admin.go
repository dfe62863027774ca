package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/blackmichael/member-feed/internal/domain"
)

const maxAdminBody = 1 << 20

type insertPostRequest struct {
	URI     string `json:"uri"`
	CID     string `json:"cid"`
	Creator string `json:"creator"`
}

type updateFeedRequest struct {
	FeedURI  string   `json:"feedUri"`
	PostURIs []string `json:"postUris"`
}

func (s *Server) handleInsertPost(w http.ResponseWriter, r *http.Request) {
	var req insertPostRequest
	if !decodeBody(w, r, &req) {
		return
	}

	inserted, err := s.feedService.InsertPost(r.Context(), req.URI, req.CID, req.Creator)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inserted": inserted})
}

func (s *Server) handleUpdateFeed(w http.ResponseWriter, r *http.Request) {
	var req updateFeedRequest
	if !decodeBody(w, r, &req) {
		return
	}

	count, err := s.feedService.UpdateFeed(r.Context(), req.FeedURI, req.PostURIs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"postCount": count,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.feedService.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsResponse(stats))
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	page, err := s.feedService.ListPosts(r.Context(), q.Get("creator"), limit, q.Get("cursor"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSkeletonResponse(page))
}

func (s *Server) handleReloadMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.cfg.LoadMembers()
	if err != nil {
		s.logger.Error("membership reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ReloadFailed", err.Error())
		return
	}
	s.feedService.SetMembers(members)
	writeJSON(w, http.StatusOK, map[string]any{"members": members.Len()})
}

func toStatsResponse(stats *domain.Stats) map[string]any {
	feeds := make([]map[string]any, len(stats.Feeds))
	for i, f := range stats.Feeds {
		feeds[i] = map[string]any{"feed": f.Feed, "count": f.Count}
	}
	creators := make([]map[string]any, len(stats.Creators))
	for i, c := range stats.Creators {
		creators[i] = map[string]any{"creator": c.Creator, "count": c.Count}
	}
	return map[string]any{
		"posts":     stats.Posts,
		"feedPosts": stats.FeedPosts,
		"feeds":     feeds,
		"creators":  creators,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
