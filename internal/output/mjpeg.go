package output

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/framepipe/internal/logger"
)

// MJPEGOutput streams frames as Motion JPEG over HTTP so the display can be
// previewed from a browser.
type MJPEGOutput struct {
	config  Config
	quality int
	running bool
	mu      sync.RWMutex

	lastUpdate time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Stats
	frameCount uint64
	startTime  time.Time
}

// MJPEGStats is a snapshot of the stream state.
type MJPEGStats struct {
	Running    bool      `json:"running"`
	Frames     uint64    `json:"frames"`
	Clients    int       `json:"clients"`
	LastUpdate time.Time `json:"last_update"`
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	return &MJPEGOutput{
		config:  config,
		quality: 90,
		clients: make(map[chan []byte]struct{}),
	}
}

// Start initializes the MJPEG output
// Note: The HTTP handler is registered separately via Handler()
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frameCount = 0

	logger.WithComponent("output").Info().
		Int("width", m.config.Width).
		Int("height", m.config.Height).
		Msg("MJPEG output started")
	return nil
}

// Stop cleanly shuts down the output and disconnects every client
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("output").Info().
		Uint64("frames", m.frameCount).
		Msg("MJPEG output stopped")
	return nil
}

// WriteFrame encodes the frame once and offers it to every client. Slow
// clients skip frames instead of stalling the display stage.
func (m *MJPEGOutput) WriteFrame(frame *image.RGBA) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return fmt.Errorf("MJPEG: %w", ErrNotRunning)
	}

	m.clientsMu.RLock()
	nclients := len(m.clients)
	m.clientsMu.RUnlock()

	m.frameCount++
	m.lastUpdate = time.Now()
	if nclients == 0 {
		return nil
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: m.quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// client is slow, skip this frame
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Stats returns a snapshot of the stream counters
func (m *MJPEGOutput) Stats() MJPEGStats {
	m.mu.RLock()
	s := MJPEGStats{
		Running:    m.running,
		Frames:     m.frameCount,
		LastUpdate: m.lastUpdate,
	}
	m.mu.RUnlock()

	m.clientsMu.RLock()
	s.Clients = len(m.clients)
	m.clientsMu.RUnlock()
	return s
}

// Handler returns an http.HandlerFunc for the MJPEG stream.
// Mount this at /stream or similar endpoint
func (m *MJPEGOutput) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.IsRunning() {
			http.Error(w, "stream not running", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log := logger.WithComponent("output")
		log.Info().Int("clients", clientCount).Msg("MJPEG client connected")

		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("MJPEG client disconnected")
		}()

		for {
			var jpegData []byte
			var ok bool
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok = <-frameChan:
				if !ok {
					return
				}
			}

			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
				return
			}
			if _, err := w.Write(jpegData); err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

// ViewerHandler serves a page showing the stream with run controls wired to
// the control API.
func (m *MJPEGOutput) ViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>framepipe</title>
    <style>
        body { background: #000; color: #ccc; font-family: monospace; margin: 0; }
        img { display: block; margin: 16px auto; image-rendering: pixelated; max-width: 100vw; }
        .controls { text-align: center; }
        button { background: #282828; color: #ccc; border: 1px solid #444; padding: 6px 14px; margin: 0 4px; cursor: pointer; }
        button:hover { background: #3c3c3c; color: #fff; }
        #state { margin-left: 12px; }
    </style>
</head>
<body>
    <img src="/stream" alt="framepipe preview">
    <div class="controls">
        <button onclick="send('start')">RUN</button>
        <button onclick="send('stop')">STOP</button>
        <button onclick="send('reset')">RESET</button>
        <button onclick="send('quit')">EXIT</button>
        <span id="state"></span>
    </div>
    <script>
        function send(cmd) {
            fetch('/api/control/' + cmd, { method: 'POST' }).catch(console.error);
        }
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/state/stream');
        ws.onmessage = (ev) => {
            document.getElementById('state').textContent = JSON.parse(ev.data).state;
        };
    </script>
</body>
</html>`
