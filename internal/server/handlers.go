package server

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/babelcloud/depthstream/internal/network"
	"github.com/babelcloud/depthstream/internal/player"
	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/babelcloud/depthstream/internal/version"
	"github.com/dchest/uniuri"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	tickSubscriberBuffer = 16
	wsWriteTimeout       = 5 * time.Second
	// bytes per vertex on the wire: 3 float32 positions, 3 color bytes
	vertexWireSize = 15
)

// RespondJSON sends a JSON response with the given status code and data
func RespondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	RespondJSON(w, statusCode, map[string]interface{}{"error": message})
}

// respondFailure maps player errors to status codes.
func respondFailure(w http.ResponseWriter, err error, fallback int) {
	switch {
	case errors.Is(err, network.ErrInvalidIndex):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrLoopStopped):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		errs := multierr.Errors(err)
		messages := make([]string, 0, len(errs))
		for _, e := range errs {
			messages = append(messages, e.Error())
		}
		RespondJSON(w, fallback, map[string]interface{}{
			"error":    err.Error(),
			"failures": messages,
		})
	}
}

func deviceIndex(r *http.Request) int {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		return -1
	}
	return index
}

func (s *MonitorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"running":     s.IsRunning(),
		"uptime":      s.GetUptime().String(),
		"ticks":       s.loop.Ticks(),
		"subscribers": s.broadcaster.GetSubscriberCount(),
		"version":     version.ClientInfo()["Version"],
	})
}

func (s *MonitorServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	var stats player.Stats
	err := s.loop.Do(r.Context(), func(p *player.Player) error {
		stats = p.Stats()
		return nil
	})
	if err != nil {
		respondFailure(w, err, http.StatusInternalServerError)
		return
	}
	RespondJSON(w, http.StatusOK, stats)
}

func (s *MonitorServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	command := mux.Vars(r)["command"]
	err := s.loop.Do(r.Context(), func(p *player.Player) error {
		switch command {
		case "connect":
			return p.ConnectToDevices()
		case "disconnect":
			return p.DisconnectFromDevices()
		case "shutdown":
			return p.ShutdownDevices()
		case "restart":
			return p.RestartDevices()
		default:
			return p.QuitDevices()
		}
	})
	if err != nil {
		respondFailure(w, err, http.StatusBadGateway)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"command": command, "ok": true})
}

func (s *MonitorServer) handleReading(w http.ResponseWriter, r *http.Request) {
	start := mux.Vars(r)["action"] == "start"
	var reading bool
	err := s.loop.Do(r.Context(), func(p *player.Player) error {
		if start {
			p.StartReading()
		} else {
			p.StopReading()
		}
		reading = p.IsReading()
		return nil
	})
	if err != nil {
		respondFailure(w, err, http.StatusInternalServerError)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"reading": reading})
}

type delayRequest struct {
	DelayMs int32 `json:"delay_ms"`
}

func (s *MonitorServer) handleDelay(w http.ResponseWriter, r *http.Request) {
	var req delayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DelayMs < 0 {
		respondError(w, http.StatusBadRequest, "delay_ms must not be negative")
		return
	}

	index := deviceIndex(r)
	err := s.loop.Do(r.Context(), func(p *player.Player) error {
		return p.UpdateDelay(index, &settings.DelaySettings{DelayMs: req.DelayMs})
	})
	if err != nil {
		respondFailure(w, err, http.StatusBadGateway)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"index": index, "delay_ms": req.DelayMs})
}

type settingsRequest struct {
	Path string `json:"path"`
}

func (s *MonitorServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	kind, err := settings.ParseKind(mux.Vars(r)["kind"])
	if err != nil || kind == settings.KindDelay {
		respondError(w, http.StatusBadRequest, "unknown settings kind")
		return
	}
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		respondError(w, http.StatusBadRequest, "a settings file path is required")
		return
	}

	err = s.loop.Do(r.Context(), func(p *player.Player) error {
		switch kind {
		case settings.KindDevice:
			return p.UpdateDeviceSettings(req.Path)
		case settings.KindColor:
			return p.UpdateColorSettings(req.Path)
		case settings.KindFilters:
			return p.UpdateFiltersSettings(req.Path)
		default:
			return p.UpdateModelSettings(req.Path)
		}
	})
	if err != nil {
		respondFailure(w, err, http.StatusBadRequest)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"kind": kind.String(), "path": req.Path})
}

func (s *MonitorServer) handleTransform(w http.ResponseWriter, r *http.Request) {
	index := deviceIndex(r)
	var transform [16]float32
	err := s.loop.Do(r.Context(), func(p *player.Player) error {
		if index >= p.DeviceCount() {
			return errors.Wrapf(network.ErrInvalidIndex, "index %d", index)
		}
		transform = p.DeviceModelTransform(index)
		return nil
	})
	if err != nil {
		respondFailure(w, err, http.StatusInternalServerError)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"index": index, "transform": transform})
}

// handleVertices writes the current frame of a device as packed
// little-endian vertices.
func (s *MonitorServer) handleVertices(w http.ResponseWriter, r *http.Request) {
	index := deviceIndex(r)
	var (
		vertices []player.Vertex
		frameID  int64
	)
	err := s.loop.Do(r.Context(), func(p *player.Player) error {
		if index >= p.DeviceCount() {
			return errors.Wrapf(network.ErrInvalidIndex, "index %d", index)
		}
		vertices = make([]player.Vertex, p.CurrentFrameCloudSize(index))
		vertices = vertices[:p.CopyCurrentFrameVertices(index, vertices)]
		frameID = p.CurrentFrameID(index)
		return nil
	})
	if err != nil {
		respondFailure(w, err, http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	buf.Grow(len(vertices) * vertexWireSize)
	for _, v := range vertices {
		binary.Write(&buf, binary.LittleEndian, v.Position)
		buf.Write(v.Color[:])
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Frame-Id", strconv.FormatInt(frameID, 10))
	w.Header().Set("X-Vertex-Count", strconv.Itoa(len(vertices)))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *MonitorServer) handleTicks(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.GetLogger().Warn("Failed to upgrade tick stream", "error", err)
		return
	}
	defer conn.Close()

	id := uniuri.New()
	ticks := s.broadcaster.Subscribe(id, tickSubscriberBuffer)
	defer s.broadcaster.Unsubscribe(id)

	// the reader only notices the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					util.GetLogger().Debug("Tick stream read error", "id", id, "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case data, ok := <-ticks:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				util.GetLogger().Debug("Tick stream write failed", "id", id, "error", err)
				return
			}
		}
	}
}
