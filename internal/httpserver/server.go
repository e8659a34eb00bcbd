package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"restkeep/internal/acl"
	"restkeep/internal/auth"
	"restkeep/internal/log"
	"restkeep/internal/repopath"
	"restkeep/internal/storage"
)

const (
	mimeOctetStream = "application/octet-stream"
	mimeListV1      = "application/vnd.x.restic.rest.v1"
	mimeListV2      = "application/vnd.x.restic.rest.v2"
)

type Options struct {
	Backend storage.Backend
	Policy  *acl.Engine
	Auth    *auth.Current

	// Prefix is stripped from request paths before decomposition.
	Prefix string

	Logger  *slog.Logger
	Metrics *Metrics
}

type Server struct {
	backend storage.Backend
	policy  *acl.Engine
	auth    *auth.Current
	prefix  string
	logger  *slog.Logger
	metrics *Metrics
}

func New(opts Options) (*Server, error) {
	if opts.Backend == nil {
		return nil, errors.New("httpserver: backend is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("httpserver: acl engine is required")
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewCurrent(auth.Disabled())
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	return &Server{
		backend: opts.Backend,
		policy:  opts.Policy,
		auth:    opts.Auth,
		prefix:  "/" + strings.Trim(opts.Prefix, "/"),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Handler serves /healthz and the repository surface. Request paths reach
// the path model unmodified: no mux cleans or redirects them, so dot
// segments and empty segments are rejected there with 400.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, "ok\n")
			return
		}
		if !s.underPrefix(r.URL.Path) {
			http.NotFound(w, r)
			return
		}
		start := time.Now()
		body := &readerDelegator{ReadCloser: r.Body}
		r.Body = body
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		s.serveArchive(rec, r)
		s.observe(r, rec, body.BytesRead, time.Since(start))
	})
}

func (s *Server) underPrefix(path string) bool {
	return s.prefix == "/" || path == s.prefix || strings.HasPrefix(path, s.prefix+"/")
}

// operation is one protocol endpoint: the access it needs and what it does.
type operation struct {
	name   string
	access acl.Access
	run    func(s *Server, w http.ResponseWriter, r *http.Request, p repopath.ArchivePath) error
}

var (
	opCreateRepo   = operation{"create_repository", acl.Modify, (*Server).createRepository}
	opDeleteRepo   = operation{"delete_repository", acl.Modify, (*Server).deleteRepository}
	opList         = operation{"list", acl.Read, (*Server).list}
	opGetObject    = operation{"get", acl.Read, (*Server).getObject}
	opCreateObject = operation{"create", acl.Append, (*Server).createObject}
	opSaveConfig   = operation{"save_config", acl.Modify, (*Server).saveConfig}
	opDeleteObject = operation{"delete", acl.Modify, (*Server).deleteObject}
)

// route picks the operation for method on p, or returns the allowed
// methods when there is none.
func route(method string, p repopath.ArchivePath) (operation, string, bool) {
	switch p.Kind() {
	case repopath.KindRepo:
		switch method {
		case http.MethodPost:
			return opCreateRepo, "", true
		case http.MethodDelete:
			return opDeleteRepo, "", true
		}
		return operation{}, "POST, DELETE", false
	case repopath.KindType:
		if p.Type() == repopath.Config {
			switch method {
			case http.MethodGet, http.MethodHead:
				return opGetObject, "", true
			case http.MethodPost:
				return opSaveConfig, "", true
			case http.MethodDelete:
				return opDeleteObject, "", true
			}
			return operation{}, "GET, HEAD, POST, DELETE", false
		}
		switch method {
		case http.MethodGet, http.MethodHead:
			return opList, "", true
		}
		return operation{}, "GET, HEAD", false
	default:
		switch method {
		case http.MethodGet, http.MethodHead:
			return opGetObject, "", true
		case http.MethodPost:
			return opCreateObject, "", true
		case http.MethodDelete:
			return opDeleteObject, "", true
		}
		return operation{}, "GET, HEAD, POST, DELETE", false
	}
}

// serveArchive runs authenticate, decompose, authorize and the storage call
// in that order, stopping at the first failure.
func (s *Server) serveArchive(w *responseRecorder, r *http.Request) {
	user, err := s.auth.Load().Verify(auth.FromRequest(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.user = user

	p, err := repopath.Decompose(s.prefix, r.URL.Path)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	op, allow, ok := route(r.Method, p)
	if !ok {
		w.Header().Set("Allow", allow)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.op = op.name

	if err := s.policy.Authorize(user, p, op.access); err != nil {
		s.fail(w, r, err)
		return
	}

	ctx := auth.WithUser(r.Context(), user)
	ctx = log.WithLogger(ctx, s.logger.With("user", user, "op", op.name))
	r = r.WithContext(ctx)
	if err := op.run(s, w, r, p); err != nil {
		s.fail(w, r, err)
	}
}

// statusFor maps an error from any layer to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, acl.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, acl.ErrDenied):
		return http.StatusForbidden
	case errors.Is(err, repopath.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInvalidRange):
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	switch {
	case code == http.StatusUnauthorized:
		s.logger.Debug("unauthenticated", "path", r.URL.Path, "err", err)
		auth.Challenge(w)
		return
	case code >= http.StatusInternalServerError:
		// Storage details stay in the log.
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	default:
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", code, "err", err)
	}
	http.Error(w, strings.ToLower(http.StatusText(code)), code)
}

// --- handlers ---

func (s *Server) createRepository(w http.ResponseWriter, r *http.Request, p repopath.ArchivePath) error {
	create, _ := strconv.ParseBool(r.URL.Query().Get("create"))
	if !create {
		w.WriteHeader(http.StatusOK)
		return nil
	}
	if err := s.backend.CreateRepositoryLayout(r.Context(), p); err != nil {
		return err
	}
	log.FromContext(r.Context()).Info("repository created", "repo", p.RepoName())
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) deleteRepository(w http.ResponseWriter, r *http.Request, p repopath.ArchivePath) error {
	if err := s.backend.RemoveRepository(r.Context(), p); err != nil {
		return err
	}
	log.FromContext(r.Context()).Info("repository removed", "repo", p.RepoName())
	w.WriteHeader(http.StatusOK)
	return nil
}

type listEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, p repopath.ArchivePath) error {
	v2 := strings.Contains(r.Header.Get("Accept"), mimeListV2)
	names := []string{}
	entries := []listEntry{}
	for id, err := range s.backend.List(r.Context(), p) {
		if err != nil {
			return err
		}
		if !v2 {
			names = append(names, id)
			continue
		}
		file, err := p.WithID(id)
		if err != nil {
			return err
		}
		size, err := s.backend.Size(r.Context(), file)
		if errors.Is(err, storage.ErrNotFound) {
			continue // deleted since listed
		}
		if err != nil {
			return err
		}
		entries = append(entries, listEntry{Name: id, Size: size})
	}

	var payload any = names
	ct := mimeListV1
	if v2 {
		payload = entries
		ct = mimeListV2
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(b)
	}
	return nil
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request, p repopath.ArchivePath) error {
	size, err := s.backend.Size(r.Context(), p)
	if err != nil {
		return err
	}
	rng, err := parseRange(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		return err
	}

	h := w.Header()
	h.Set("Content-Type", mimeOctetStream)
	h.Set("Accept-Ranges", "bytes")
	status := http.StatusOK
	length := size
	if rng != nil {
		status = http.StatusPartialContent
		length = rng.Len()
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return nil
	}
	rc, err := s.backend.Read(r.Context(), p, rng)
	if err != nil {
		h.Del("Content-Range")
		h.Del("Content-Length")
		return err
	}
	defer rc.Close()
	w.WriteHeader(status)
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; the client sees a short body.
		log.FromContext(r.Context()).Warn("read aborted", "path", p.String(), "err", err)
	}
	return nil
}

func (s *Server) createObject(w http.ResponseWriter, r *http.Request, p repopath.ArchivePath) error {
	if err := s.backend.WriteNew(r.Context(), p, r.Body); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) saveConfig(w http.ResponseWriter, r *http.Request, p repopath.ArchivePath) error {
	if err := s.backend.WriteOverwrite(r.Context(), p, r.Body); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request, p repopath.ArchivePath) error {
	if err := s.backend.Delete(r.Context(), p); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// --- helpers ---

func (s *Server) observe(r *http.Request, rec *responseRecorder, read int64, d time.Duration) {
	op := rec.op
	if op == "" {
		op = "none"
	}
	s.logger.Info("request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"op", op,
		"user", rec.user,
		"in", read,
		"out", rec.size,
		"duration", d,
	)
	if s.metrics != nil {
		s.metrics.observe(op, r.Method, rec.status, read, rec.size, d)
	}
}

type readerDelegator struct {
	io.ReadCloser
	BytesRead int64
}

func (r *readerDelegator) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.BytesRead += int64(n)
	return n, err
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	size   int64
	op     string
	user   string
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
