package index

import (
	"net/http"
	"strconv"
	"sync"
)

// Server is an in-memory index responder speaking the same wire protocol as
// the host index service.
type Server struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewServer creates an empty index.
func NewServer() *Server {
	return &Server{records: make(map[string]Record)}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(HeaderKey)
	if key == "" {
		http.Error(w, "missing "+HeaderKey, http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, ok := s.Get(key)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set(HeaderValue, rec.Location)
		w.Header().Set(HeaderSize, strconv.FormatInt(rec.Size, 10))
		w.WriteHeader(http.StatusOK)

	case http.MethodPut:
		location := r.Header.Get(HeaderValue)
		size, err := strconv.ParseInt(r.Header.Get(HeaderSize), 10, 64)
		if location == "" || err != nil || size <= 0 {
			http.Error(w, "invalid record", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.records[key] = Record{Key: key, Location: location, Size: size}
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	default:
		w.Header().Set("Allow", "GET, PUT")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Get returns the record stored under key.
func (s *Server) Get(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Set stores a record directly, bypassing the wire protocol.
func (s *Server) Set(rec Record) {
	s.mu.Lock()
	s.records[rec.Key] = rec
	s.mu.Unlock()
}

// Len returns the number of records.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
