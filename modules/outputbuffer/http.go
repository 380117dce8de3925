package outputbuffer

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mppengine/taskbuffer/pkg/outputbuffer"
)

var tracer trace.Tracer = otel.Tracer("github.com/mppengine/taskbuffer/modules/outputbuffer")

// wirePage is the JSON envelope a page is rendered as on the wire. The
// core never serializes a PageRef itself; this is the transport layer's
// own concern: the page's advertised positionCount plus whatever opaque
// bytes its SerializedChunk exposes via a Bytes() method.
type wirePage struct {
	PositionCount uint32 `json:"positionCount"`
	Bytes         []byte `json:"bytes"`
}

type bytesChunk interface {
	Bytes() []byte
}

// wireResult mirrors outputbuffer.BufferResult for JSON responses.
type wireResult struct {
	TaskInstanceID string     `json:"taskInstanceId"`
	StartToken     int64      `json:"startToken"`
	NextToken      int64      `json:"nextToken"`
	Finished       bool       `json:"finished"`
	Pages          []wirePage `json:"pages"`
}

func toWireResult(r outputbuffer.BufferResult) wireResult {
	pages := make([]wirePage, 0, len(r.Pages))
	for _, ref := range r.Pages {
		wp := wirePage{PositionCount: ref.PositionCount()}
		if bc, ok := ref.Page().(bytesChunk); ok {
			wp.Bytes = bc.Bytes()
		}
		pages = append(pages, wp)
	}
	return wireResult{
		TaskInstanceID: r.TaskInstanceID,
		StartToken:     r.StartToken,
		NextToken:      r.NextToken,
		Finished:       r.Finished,
		Pages:          pages,
	}
}

type wireBufferInfo struct {
	BufferID      int64 `json:"bufferId"`
	Destroyed     bool  `json:"destroyed"`
	BufferedBytes int64 `json:"bufferedBytes"`
	PreferLocal   bool  `json:"preferLocal"`
}

// Handler implements the HTTP surface spec.md §6 describes: a remote
// client (or a same-process caller, for preferLocal) drives getPages,
// destroy, and info through these three routes.
type Handler struct {
	m           *Manager
	readTimeout time.Duration
}

// NewHandler wraps m with the HTTP routes below. readTimeout bounds how
// long a GET pages request blocks on a pending read before returning a
// 504, so a stuck producer can't pin an HTTP goroutine forever.
func NewHandler(m *Manager, readTimeout time.Duration) *Handler {
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	return &Handler{m: m, readTimeout: readTimeout}
}

// Register mounts the buffer routes onto r, following the teacher's
// gorilla/mux convention of one *mux.Router per module.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/task/{taskInstanceId}/{bufferId}", h.getPages).Methods(http.MethodGet)
	r.HandleFunc("/v1/task/{taskInstanceId}/{bufferId}", h.destroy).Methods(http.MethodDelete)
	r.HandleFunc("/v1/task/{taskInstanceId}/{bufferId}/info", h.info).Methods(http.MethodGet)
}

func (h *Handler) getPages(w http.ResponseWriter, req *http.Request) {
	ctx, span := tracer.Start(req.Context(), "outputbuffer.getPages")
	defer span.End()

	vars := mux.Vars(req)
	taskInstanceID := vars["taskInstanceId"]
	bufferID, err := strconv.ParseInt(vars["bufferId"], 10, 64)
	if err != nil {
		http.Error(w, "invalid bufferId", http.StatusBadRequest)
		return
	}

	token, err := parseQueryInt64(req, "token", 0)
	if err != nil {
		http.Error(w, "invalid token", http.StatusBadRequest)
		return
	}
	maxBytes, err := parseQueryInt64(req, "maxBytes", 1<<20)
	if err != nil {
		http.Error(w, "invalid maxBytes", http.StatusBadRequest)
		return
	}

	buf, ok := h.m.Buffer(taskInstanceID, bufferID)
	if !ok {
		http.NotFound(w, req)
		return
	}

	read, err := buf.GetPages(token, maxBytes)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.readTimeout)
	defer cancel()

	select {
	case <-read.Done():
		writeJSON(w, http.StatusOK, toWireResult(read.Wait()))
	case <-ctx.Done():
		http.Error(w, "timed out waiting for pages", http.StatusGatewayTimeout)
	}
}

func (h *Handler) destroy(w http.ResponseWriter, req *http.Request) {
	_, span := tracer.Start(req.Context(), "outputbuffer.destroy")
	defer span.End()

	vars := mux.Vars(req)
	taskInstanceID := vars["taskInstanceId"]
	bufferID, err := strconv.ParseInt(vars["bufferId"], 10, 64)
	if err != nil {
		http.Error(w, "invalid bufferId", http.StatusBadRequest)
		return
	}

	buf, ok := h.m.Buffer(taskInstanceID, bufferID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := buf.Destroy(); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) info(w http.ResponseWriter, req *http.Request) {
	_, span := tracer.Start(req.Context(), "outputbuffer.info")
	defer span.End()

	vars := mux.Vars(req)
	taskInstanceID := vars["taskInstanceId"]
	bufferID, err := strconv.ParseInt(vars["bufferId"], 10, 64)
	if err != nil {
		http.Error(w, "invalid bufferId", http.StatusBadRequest)
		return
	}

	buf, ok := h.m.Buffer(taskInstanceID, bufferID)
	if !ok {
		http.NotFound(w, req)
		return
	}

	info := buf.Info()
	writeJSON(w, http.StatusOK, wireBufferInfo{
		BufferID:      info.BufferID,
		Destroyed:     info.Destroyed,
		BufferedBytes: info.PageBufferInfo.BufferedBytes,
		PreferLocal:   buf.PreferLocal(),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	level.Error(h.m.logger).Log("msg", "buffer request failed", "err", err)
	switch {
	case errorsIsInvalidArgument(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func errorsIsInvalidArgument(err error) bool {
	return err != nil && outputbuffer.IsInvalidArgument(err)
}

func parseQueryInt64(req *http.Request, name string, def int64) (int64, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
