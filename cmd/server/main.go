package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"sejm-vote-scraper/internal/collector"
	"sejm-vote-scraper/internal/config"
	"sejm-vote-scraper/internal/ioformats"
	"sejm-vote-scraper/internal/pipeline"
	"sejm-vote-scraper/pkg/logger"
)

type collectReq struct {
	Start *int `json:"start"`
	Stop  *int `json:"stop"`
}

type collectResp struct {
	Checkpoint  string `json:"checkpoint"`
	Start       int    `json:"start"`
	Stop        int    `json:"stop"`
	Collected   int    `json:"collected"`
	Failed      []int  `json:"failed"`
	Halted      bool   `json:"halted"`
	AlreadyDone bool   `json:"already_done"`
}

func main() {
	cfgPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	l := logger.New()
	defer l.Sync()
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		l.Errorf("config: %v", err)
		os.Exit(1)
	}
	p, err := pipeline.New(cfg, l)
	if err != nil {
		l.Errorf("pipeline: %v", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      logRequest(l, newMux(p, l)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // a collect batch can run for a long time
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		l.Infof("server listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			l.Errorf("server error: %v", err)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	l.Infof("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	l.Infof("bye")
}

func newMux(p *pipeline.Pipeline, l *logger.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	// one batch at a time, two would race on the checkpoint
	var busy sync.Mutex

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// GET /status
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		st, err := p.Status()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	// GET /votes -> NDJSON stream of the cached vote list
	mux.HandleFunc("/votes", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		votes, err := p.Votes(r.Context())
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		if err := ioformats.WriteNDJSON(w, votes); err != nil {
			l.Errorf("stream votes: %v", err)
		}
	})

	// POST /collect  { "start": 0, "stop": 100 }, both optional
	mux.HandleFunc("/collect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		var req collectReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		if !busy.TryLock() {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "a batch is already running"})
			return
		}
		defer busy.Unlock()

		res, err := p.Collect(r.Context(), collector.Range{Start: req.Start, Stop: req.Stop})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		out := collectResp{
			Checkpoint:  res.Checkpoint.String(),
			Start:       res.Start,
			Stop:        res.Stop,
			Failed:      res.Failed,
			Halted:      res.Halted,
			AlreadyDone: res.AlreadyDone,
		}
		if res.Table != nil {
			out.Collected = res.Table.Width()
		}
		writeJSON(w, http.StatusOK, out)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func logRequest(l *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		l.Infof("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
