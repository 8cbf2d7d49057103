package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stovelab/tclog/internal/health"
	"github.com/stovelab/tclog/internal/link"
	"github.com/stovelab/tclog/internal/tslog"
)

// Server exposes the log store, the latest-sample cache, and the health
// snapshot over HTTP, and pushes live readings to WebSocket clients. It
// runs entirely outside the acquisition path: queries go through the
// read-only partition reader and never block the writer.
type Server struct {
	cfg    *Config
	reader *tslog.Reader
	latest *tslog.Latest
	hp     *health.Health
	mgr    *link.Manager
	webFS  fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Samples map[int]displaySample `json:"samples,omitempty"` // keyed by channel
	Health  *health.Snapshot      `json:"health,omitempty"`
	Units   string                `json:"units,omitempty"`
	Stamp   int64                 `json:"stamp"` // Unix ms
}

// displaySample is a sample converted to the configured display units.
type displaySample struct {
	Time    time.Time   `json:"time"`
	Channel int         `json:"channel"`
	Value   float64     `json:"value"`
	Valid   bool        `json:"valid"`
	Flags   tslog.Flags `json:"flags"`
}

// New creates a new Server. mgr may be nil when recording commands are
// unavailable (demo source).
func New(cfg *Config, reader *tslog.Reader, latest *tslog.Latest, hp *health.Health, mgr *link.Manager, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		reader:  reader,
		latest:  latest,
		hp:      hp,
		mgr:     mgr,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and the live broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/query", s.handleQuery)
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/record/start", s.handleRecord(link.StartRecordingCommand))
	mux.HandleFunc("/api/record/stop", s.handleRecord(link.StopRecordingCommand))
	mux.HandleFunc("/api/record/erase", s.handleRecord(link.EraseRecordingCommand))
	mux.HandleFunc("/api/record/calibrate", s.handleRecord(link.CalibrateCommand))

	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", len(s.clients))

	// Send an initial frame so the page renders without waiting a tick
	if data, err := json.Marshal(s.buildFrame()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", len(s.clients))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// broadcastLoop pushes the latest readings and health to all clients
// once a second.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(s.buildFrame())
		}
	}
}

func (s *Server) buildFrame() Frame {
	snap := s.hp.Snapshot()
	samples := make(map[int]displaySample)
	for ch, sample := range s.latest.All() {
		samples[ch] = s.toDisplay(sample)
	}
	return Frame{
		Samples: samples,
		Health:  &snap,
		Units:   s.cfg.Display.Units,
		Stamp:   time.Now().UnixMilli(),
	}
}

func (s *Server) toDisplay(sample tslog.Sample) displaySample {
	value := sample.Value
	if s.cfg.Display.Units == "F" {
		value = value*9/5 + 32
	}
	return displaySample{
		Time:    sample.Time,
		Channel: sample.Channel,
		Value:   value,
		Valid:   sample.Valid,
		Flags:   sample.Flags,
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// handleQuery serves range queries over the committed partitions.
// Parameters: from, to (RFC 3339, default the trailing hour) and an
// optional channel.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	now := time.Now()
	from, to := now.Add(-time.Hour), now
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad from: "+err.Error(), http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad to: "+err.Error(), http.StatusBadRequest)
			return
		}
		to = t
	}
	channel := tslog.AllChannels
	if v := r.URL.Query().Get("channel"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "bad channel: "+err.Error(), http.StatusBadRequest)
			return
		}
		channel = n
	}

	samples, err := s.reader.Query(from, to, channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]displaySample, len(samples))
	for i, sample := range samples {
		out[i] = s.toDisplay(sample)
	}
	writeJSON(w, out)
}

// handleLatest serves the in-memory latest-sample cache: all channels,
// or one if ?channel= is given.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if v := r.URL.Query().Get("channel"); v != "" {
		ch, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "bad channel: "+err.Error(), http.StatusBadRequest)
			return
		}
		sample, ok := s.latest.Get(ch)
		if !ok {
			http.Error(w, "no data for channel", http.StatusNotFound)
			return
		}
		writeJSON(w, s.toDisplay(sample))
		return
	}

	samples := make(map[int]displaySample)
	for ch, sample := range s.latest.All() {
		samples[ch] = s.toDisplay(sample)
	}
	writeJSON(w, samples)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.hp.Snapshot())
}

// handleConfig serves the live config on GET; POST applies a JSON
// document and persists it to the config file.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.ApplyJSON(body); err != nil {
			http.Error(w, "bad config: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		log.Printf("[server] config updated via API")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRecord forwards a recording command to the instrument.
func (s *Server) handleRecord(cmd link.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.mgr == nil {
			http.Error(w, "no instrument attached", http.StatusServiceUnavailable)
			return
		}
		if err := s.mgr.Send(cmd); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}
