package loomserver

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-chi/chi/v5"
	"github.com/hpcloud/tail"
)

// Logs serves one job's log file as JSON lines. The job segment is the
// path-safe job name, the same one artifact and log paths use. Pass
// ?follow=true to tail a job that is still writing; followed streams
// end when the run leaves the scheduler or the client goes away.
func (s *Server) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := chi.URLParam(r, "job")

	path, err := securejoin.SecureJoin(s.cfg.Server.LogDir, filepath.Join(id, job+".log"))
	if err != nil {
		writeError(w, "no such log", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	_, running := s.live[id]
	s.mu.Unlock()

	if r.URL.Query().Get("follow") != "true" || !running {
		s.serveLogFile(w, path)
		return
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		writeError(w, "no such log", http.StatusNotFound)
		return
	}
	defer t.Cleanup()
	defer t.Stop()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	flusher, _ := w.(http.Flusher)

	// the run leaving the live table means the writers are gone; poll
	// for that so finished jobs close the stream instead of hanging
	check := time.NewTicker(2 * time.Second)
	defer check.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-t.Lines:
			if !ok || line.Err != nil {
				return
			}
			fmt.Fprintln(w, line.Text)
			if flusher != nil {
				flusher.Flush()
			}
		case <-check.C:
			s.mu.Lock()
			_, running := s.live[id]
			s.mu.Unlock()
			if running {
				continue
			}
			for {
				select {
				case line, ok := <-t.Lines:
					if !ok || line.Err != nil {
						return
					}
					fmt.Fprintln(w, line.Text)
					if flusher != nil {
						flusher.Flush()
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Server) serveLogFile(w http.ResponseWriter, path string) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, "no such log", http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	io.Copy(w, f)
}
