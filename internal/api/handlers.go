package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/fault"
	"github.com/star/orbitguard/internal/httputil"
	"github.com/star/orbitguard/internal/replay"
)

const (
	maxJSONBody = 1 << 20
	maxTLEBody  = 50 << 20
)

// decodeJSON reads a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fault.Errorf(fault.InvalidInput, "invalid JSON body: %w", err)
	}
	return nil
}

// longRunning lifts the server write timeout for requests that wait on
// background work.
func (h *handlers) longRunning(w http.ResponseWriter) {
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}
}

func (h *handlers) getCatalog(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Engine.Store().Current()
	if snap.Len() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "no catalog loaded")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newCatalogResponse(snap, h.now()))
}

// postCatalog replaces the catalog, from the request body (TLE text) or,
// with ?fetch=true, from the configured remote source.
func (h *handlers) postCatalog(w http.ResponseWriter, r *http.Request) {
	before := h.now()
	var (
		snap *catalog.Snapshot
		err  error
	)
	if fetch, _ := strconv.ParseBool(r.URL.Query().Get("fetch")); fetch {
		if h.deps.Refresher == nil {
			httputil.WriteError(w, http.StatusBadRequest, "catalog fetch disabled")
			return
		}
		h.longRunning(w)
		snap, err = h.deps.Refresher.Refresh(r.Context())
		if err != nil && fault.KindOf(err) == fault.KindUnknown {
			h.logger.Warn("catalog refresh failed", "error", err)
			httputil.WriteError(w, http.StatusBadGateway, err.Error())
			return
		}
	} else {
		data, rerr := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTLEBody))
		if rerr != nil {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "TLE body exceeds 50 MB")
			return
		}
		snap, err = h.deps.Engine.IngestTLE("upload", before.UTC(), data)
	}
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}

	resp := newCatalogResponse(snap, h.now())
	if t := h.deps.Engine.CurrentScan(); t != nil && !t.Started.Before(before) {
		resp.ScanID = t.ID
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) getScans(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, newSummaryResponse(h.deps.Engine.Summary()))
}

// postScan starts a scan. With "wait" set the response carries the result;
// otherwise it is 202 with the scan id.
func (h *handlers) postScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	task, err := h.deps.Engine.StartScan(req.toEngine())
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	if !req.Wait {
		// StartScan refused an empty catalog and snapshots are never
		// unpublished, so Current is set.
		version := h.deps.Engine.Store().Current().Version
		httputil.WriteJSON(w, http.StatusAccepted, scanAccepted{ScanID: task.ID, CatalogVersion: version})
		return
	}

	h.longRunning(w)
	res, err := task.Wait(r.Context())
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newScanResponse(res, 0))
}

func (h *handlers) getLatestScan(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "invalid limit parameter, must be a non-negative integer")
			return
		}
		limit = n
	}
	latest := h.deps.Engine.Latest()
	if latest == nil {
		httputil.WriteError(w, http.StatusNotFound, "no completed scan")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newScanResponse(latest, limit))
}

// postSimulate evaluates one burn. Identical concurrent requests against
// the same scan share a single simulation.
func (h *handlers) postSimulate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req simulateRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httputil.WriteFault(w, fault.Errorf(fault.InvalidInput, "invalid JSON body: %w", err))
		return
	}

	key := string(body)
	if latest := h.deps.Engine.Latest(); latest != nil {
		key = latest.ID + "\x00" + key
	}
	v, err, shared := h.simulate.Do(key, func() (any, error) {
		res, err := h.deps.Engine.Simulate(req.toEngine())
		if err != nil {
			return nil, err
		}
		return newManeuverResponse(res), nil
	})
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	if shared {
		h.logger.Debug("simulation shared", "norad_id", req.ObjectID, "threat_id", req.ThreatID)
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

// postOptimize starts an avoidance search, superseding any search running
// for the same object. Async requests get 202 and poll the task.
func (h *handlers) postOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	task, err := h.deps.Engine.StartOptimization(req.toEngine())
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	if req.Async {
		httputil.WriteJSON(w, http.StatusAccepted, newOptimizationResponse(req.ObjectID, task))
		return
	}

	h.longRunning(w)
	res, err := task.Wait(r.Context())
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newOptimizeResponse(res))
}

func objectID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(r.PathValue("object_id"))
	if err != nil || id <= 0 {
		return 0, fault.Errorf(fault.InvalidInput, "invalid object id %q", r.PathValue("object_id"))
	}
	return id, nil
}

func (h *handlers) getOptimization(w http.ResponseWriter, r *http.Request) {
	id, err := objectID(r)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	task, ok := h.deps.Engine.Optimization(id)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "no optimization for object")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newOptimizationResponse(id, task))
}

func (h *handlers) deleteOptimization(w http.ResponseWriter, r *http.Request) {
	id, err := objectID(r)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	if !h.deps.Engine.CancelOptimization(id) {
		httputil.WriteError(w, http.StatusNotFound, "no running optimization for object")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"object_id": id, "cancelled": true})
}

func (h *handlers) getReplayState(w http.ResponseWriter, r *http.Request) {
	objects := false
	if v := r.URL.Query().Get("objects"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid objects parameter, must be true or false")
			return
		}
		objects = b
	}
	httputil.WriteJSON(w, http.StatusOK, h.deps.Replay.State().View(objects))
}

// postReplayCommand applies one replay command. seek takes {"time": unix}
// and speed takes {"speed": multiplier}.
func (h *handlers) postReplayCommand(w http.ResponseWriter, r *http.Request) {
	op, err := replay.ParseOp(r.PathValue("command"))
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	var body replayCommand
	if err := decodeJSON(w, r, &body, true); err != nil {
		httputil.WriteFault(w, err)
		return
	}

	cmd := replay.Command{Op: op}
	switch op {
	case replay.OpSeek:
		if body.Time == 0 {
			httputil.WriteError(w, http.StatusBadRequest, "seek requires time")
			return
		}
		cmd.Target = replay.FromUnixSeconds(body.Time)
	case replay.OpSetSpeed:
		cmd.Speed = body.Speed
	}

	st, err := h.deps.Replay.Do(r.Context(), cmd)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st.View(false))
}
