// Package fakeapi is an in-process stand-in for the remote generation
// service. It speaks the same wire contract (both status vocabularies,
// multipart and JSON submissions, the effect catalog and media downloads) and
// lets tests script outcomes and transport failures.
package fakeapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/genflow/pkg/types"
)

// Endpoint names used for request counting and failure injection.
const (
	EndpointEffect  = "generate"
	EndpointText    = "txt2video"
	EndpointScenes  = "pikaScenes"
	EndpointStatus  = "generationStatus"
	EndpointList    = "generations"
	EndpointFilters = "filters"
	EndpointMedia   = "media"
)

// Generation is the server-side view of one job.
type Generation struct {
	ID      string
	Kind    types.JobKind
	Prompt  string
	Code    int // 0..4, as listed by /generations
	Polls   int
	Result  string
	Message string
	pinned  bool // scripted outcome; no automatic progress
}

// Server is safe for concurrent use.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	token          string
	nextID         int
	gens           map[string]*Generation
	effects        []types.Effect
	media          map[string][]byte
	failures       map[string]int
	malformed      map[string]int
	requests       map[string]int
	pollsToFinish  int
	effectNoTokens bool
	failPrompts    map[string]string
}

// New starts a fake API requiring token (empty disables auth).
func New(token string) *Server {
	s := &Server{
		token:         token,
		nextID:        1000,
		gens:          make(map[string]*Generation),
		media:         make(map[string][]byte),
		failures:      make(map[string]int),
		malformed:     make(map[string]int),
		requests:      make(map[string]int),
		failPrompts:   make(map[string]string),
		pollsToFinish: 2,
		effects: []types.Effect{
			{ID: 1, Title: "Hug", Preview: "/media/effect-1.mp4", PreviewSmall: "/media/effect-1-small.mp4"},
			{ID: 2, Title: "Kiss", Preview: "/media/effect-2.mp4", PreviewSmall: "/media/effect-2-small.mp4"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/generate", s.auth(EndpointEffect, s.handleEffect))
	mux.HandleFunc("/generate/txt2video", s.auth(EndpointText, s.handleText))
	mux.HandleFunc("/generate/pikaScenes", s.auth(EndpointScenes, s.handleScenes))
	mux.HandleFunc("/generationStatus", s.auth(EndpointStatus, s.handleStatus))
	mux.HandleFunc("/generations", s.auth(EndpointList, s.handleList))
	mux.HandleFunc("/filters", s.auth(EndpointFilters, s.handleFilters))
	mux.HandleFunc("/media/", s.count(EndpointMedia, s.handleMedia))

	s.Server = httptest.NewServer(mux)
	return s
}

// ============================================================================
// Scripting
// ============================================================================

// SetPollsToFinish sets how many status observations a job needs before it
// completes on its own. Zero or less keeps jobs processing until scripted.
func (s *Server) SetPollsToFinish(n int) {
	s.mu.Lock()
	s.pollsToFinish = n
	s.mu.Unlock()
}

// SetEffectTokens controls whether /generate returns a job token.
func (s *Server) SetEffectTokens(enabled bool) {
	s.mu.Lock()
	s.effectNoTokens = !enabled
	s.mu.Unlock()
}

// FailPrompt makes submissions with prompt end in failure with msg.
func (s *Server) FailPrompt(prompt, msg string) {
	s.mu.Lock()
	s.failPrompts[prompt] = msg
	s.mu.Unlock()
}

// FailNext makes the next n requests to endpoint answer 503.
func (s *Server) FailNext(endpoint string, n int) {
	s.mu.Lock()
	s.failures[endpoint] = n
	s.mu.Unlock()
}

// MalformNext makes the next n requests to endpoint answer invalid JSON.
func (s *Server) MalformNext(endpoint string, n int) {
	s.mu.Lock()
	s.malformed[endpoint] = n
	s.mu.Unlock()
}

// Complete pins id to completed with the given result URL. An empty url
// yields the anomalous "completed without result" answer.
func (s *Server) Complete(id, url string) {
	s.pin(id, 3, url, "")
}

// Fail pins id to failed.
func (s *Server) Fail(id, msg string) {
	s.pin(id, 4, "", msg)
}

// Hold pins id to processing.
func (s *Server) Hold(id string) {
	s.pin(id, 2, "", "")
}

func (s *Server) pin(id string, code int, url, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[id]
	if !ok {
		g = &Generation{ID: id}
		s.gens[id] = g
	}
	g.Code, g.Result, g.Message, g.pinned = code, url, msg, true
}

// PutMedia serves data at /media/name and returns its absolute URL.
func (s *Server) PutMedia(name string, data []byte) string {
	s.mu.Lock()
	s.media[name] = data
	s.mu.Unlock()
	return s.URL + "/media/" + name
}

// Requests returns how many requests endpoint has received.
func (s *Server) Requests(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[endpoint]
}

// Generation returns a copy of the server-side job.
func (s *Server) Generation(id string) (Generation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[id]
	if !ok {
		return Generation{}, false
	}
	return *g, true
}

// Generations returns all server-side jobs ordered by id.
func (s *Server) Generations() []Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Generation, 0, len(s.gens))
	for _, g := range s.gens {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) count(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[endpoint]++
		fail := s.failures[endpoint] > 0
		if fail {
			s.failures[endpoint]--
		}
		bad := !fail && s.malformed[endpoint] > 0
		if bad {
			s.malformed[endpoint]--
		}
		s.mu.Unlock()

		switch {
		case fail:
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		case bad:
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"error": false, "data": {`)
		default:
			next(w, r)
		}
	}
}

func (s *Server) auth(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return s.count(endpoint, func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": true, "messages": []string{"unauthorized"}, "data": nil})
			return
		}
		next(w, r)
	})
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleEffect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		reject(w, "invalid multipart body")
		return
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		reject(w, "file is required")
		return
	}
	_ = f.Close()
	filter := r.FormValue("filter_id")
	if filter == "" {
		reject(w, "filter_id is required")
		return
	}

	g := s.create(types.KindImageEffect, "")
	s.mu.Lock()
	noToken := s.effectNoTokens
	s.mu.Unlock()

	data := []string{g.ID}
	if noToken {
		data = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"error": false, "messages": []string{}, "data": data})
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PromptText string `json:"promptText"`
		UserID     string `json:"userId"`
		AppID      string `json:"appId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.PromptText) == "" {
		writeJSON(w, http.StatusOK, map[string]any{"error": "promptText is required"})
		return
	}
	g := s.create(types.KindTextToVideo, body.PromptText)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"generationId": g.ID}})
}

func (s *Server) handleScenes(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": "invalid multipart body"})
		return
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File["ingredients[]"]) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"error": "ingredients are required"})
		return
	}
	prompt := r.FormValue("promptText")
	if strings.TrimSpace(prompt) == "" {
		writeJSON(w, http.StatusOK, map[string]any{"error": "promptText is required"})
		return
	}
	g := s.create(types.KindImageAndText, prompt)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"generationId": g.ID}})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("generationId")
	s.mu.Lock()
	g, ok := s.gens[id]
	if ok {
		s.advance(g)
	}
	var snap Generation
	if ok {
		snap = *g
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"error": true, "messages": []string{"generation not found"}})
		return
	}
	data := map[string]any{"status": statusString(snap.Code), "progress": progress(snap)}
	if snap.Result != "" {
		data["resultUrl"] = snap.Result
	}
	if snap.Message != "" {
		data["error"] = snap.Message
	}
	writeJSON(w, http.StatusOK, map[string]any{"error": false, "messages": []string{}, "data": data})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.gens))
	for id := range s.gens {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })

	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		g := s.gens[id]
		s.advance(g)
		n, err := strconv.Atoi(g.ID)
		if err != nil {
			continue
		}
		item := map[string]any{"id": n, "status": g.Code}
		if g.Prompt != "" {
			item["prompt"] = g.Prompt
		}
		if g.Result != "" {
			item["result"] = g.Result
		}
		items = append(items, item)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"error": false, "messages": []string{}, "data": items})
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items := make([]map[string]any, 0, len(s.effects))
	for _, e := range s.effects {
		items = append(items, map[string]any{
			"id":            e.ID,
			"title":         e.Title,
			"preview":       s.URL + e.Preview,
			"preview_small": s.URL + e.PreviewSmall,
		})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"error": false, "messages": []string{}, "data": items})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/media/")
	s.mu.Lock()
	data, ok := s.media[name]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	_, _ = w.Write(data)
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Server) create(kind types.JobKind, prompt string) *Generation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	g := &Generation{ID: strconv.Itoa(s.nextID), Kind: kind, Prompt: prompt}
	if msg, ok := s.failPrompts[prompt]; ok && prompt != "" {
		g.Code, g.Message, g.pinned = 4, msg, true
	}
	s.gens[g.ID] = g
	return g
}

// advance moves an unpinned job one observation closer to completion.
// Caller holds s.mu.
func (s *Server) advance(g *Generation) {
	g.Polls++
	if g.pinned || g.Code >= 3 {
		return
	}
	switch {
	case s.pollsToFinish > 0 && g.Polls >= s.pollsToFinish:
		name := "video-" + g.ID + ".mp4"
		s.media[name] = []byte("fake-mp4:" + g.ID)
		g.Code = 3
		g.Result = s.URL + "/media/" + name
	case g.Polls > 1:
		g.Code = 2
	default:
		g.Code = 1
	}
}

func statusString(code int) string {
	switch code {
	case 0:
		return "pending"
	case 1:
		return "queued"
	case 2:
		return "processing"
	case 3:
		return "completed"
	case 4:
		return "error"
	default:
		return fmt.Sprintf("unknown-%d", code)
	}
}

func progress(g Generation) int {
	if g.Code >= 3 {
		return 100
	}
	return g.Code * 25
}

func idLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

func reject(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]any{"error": true, "messages": []string{msg}, "data": []string{}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
