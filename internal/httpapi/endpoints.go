package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"pkt.systems/lockcoord/api"
	"pkt.systems/lockcoord/internal/lockqueue"
)

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{
		OK:            true,
		Instance:      h.instance,
		UptimeSeconds: int64(h.clock.Now().Sub(h.bootTime).Seconds()),
	}, nil)
	return nil
}

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request) error {
	var req api.LockRequest
	if err := decodeJSONBody(w, r, h.jsonMaxBytes, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Session) == "" {
		return badRequest("missing_session", "session required")
	}
	if strings.TrimSpace(req.File) == "" {
		return badRequest("missing_file", "file required")
	}

	wait := parseBoolQuery(r.URL.Query().Get("wait"), true)
	timeout := h.clampTimeout(h.parseTimeout(r.URL.Query().Get("timeout")))

	result := h.store.EnqueueOrAcquire(req.File, req.Session)
	if result.Acquired {
		h.writeJSON(w, http.StatusOK, api.LockResponse{
			Granted:     true,
			Position:    1,
			QueueLength: result.QueueLength,
			Waited:      0,
		}, nil)
		return nil
	}

	if !wait {
		holder, _ := h.store.GetHolder(req.File)
		h.writeJSON(w, http.StatusOK, api.LockResponse{
			Granted:     false,
			Holder:      holder,
			Error:       fmt.Sprintf("Queued at position %d", result.Position),
			Position:    result.Position,
			QueueLength: result.QueueLength,
		}, nil)
		return nil
	}

	reqCtx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	ctx, stop := context.WithCancel(reqCtx)
	defer stop()
	go func() {
		select {
		case <-h.shutdownCtx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	start := h.clock.Now()
	acquired := h.store.WaitForTurn(req.File, req.Session, ctx.Done())
	waited := h.clock.Now().Sub(start).Seconds()
	if h.waitObserver != nil {
		h.waitObserver.Observe(waited)
	}

	if acquired {
		info, _ := h.store.GetQueueInfo(req.File)
		h.writeJSON(w, http.StatusOK, api.LockResponse{
			Granted:     true,
			Position:    1,
			QueueLength: info.QueueLength,
			Waited:      waited,
		}, nil)
		return nil
	}

	holder, _ := h.store.GetHolder(req.File)
	info, exists := h.store.GetQueueInfo(req.File)
	position := 0
	queueLength := 0
	if exists {
		position = queuePosition(info, req.Session)
		queueLength = info.QueueLength
	}
	h.writeJSON(w, http.StatusOK, api.LockResponse{
		Granted:     false,
		Holder:      holder,
		Error:       fmt.Sprintf("Timeout waiting in queue at position %d", position),
		Waited:      waited,
		Position:    position,
		QueueLength: queueLength,
	}, nil)
	return nil
}

// queuePosition resolves session's 1-indexed position from a QueueInfo
// snapshot (1 for the holder, 0 if absent).
func queuePosition(info lockqueue.QueueInfo, session string) int {
	if info.HasHolder && info.Holder == session {
		return 1
	}
	for i, s := range info.Waiters {
		if s == session {
			return i + 2
		}
	}
	return 0
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) error {
	var req api.UnlockRequest
	if err := decodeJSONBody(w, r, h.jsonMaxBytes, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Session) == "" {
		return badRequest("missing_session", "session required")
	}
	if strings.TrimSpace(req.File) == "" {
		return badRequest("missing_file", "file required")
	}
	ok := h.store.TryRelease(req.File, req.Session)
	h.writeJSON(w, http.StatusOK, api.UnlockResponse{OK: ok}, nil)
	return nil
}

func (h *Handler) handleUnlockAll(w http.ResponseWriter, r *http.Request) error {
	var req api.UnlockAllRequest
	if err := decodeJSONBody(w, r, h.jsonMaxBytes, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Session) == "" {
		return badRequest("missing_session", "session required")
	}
	count := h.store.ReleaseAll(req.Session)
	h.writeJSON(w, http.StatusOK, api.UnlockAllResponse{Count: count}, nil)
	return nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	locks := h.store.GetAllLocks()
	views := make([]api.LockView, 0, len(locks))
	for _, l := range locks {
		views = append(views, api.LockView{Session: l.Session, File: l.File, AcquiredAt: l.AcquiredAt})
	}
	h.writeJSON(w, http.StatusOK, api.StatusResponse{Locks: views}, nil)
	return nil
}

func (h *Handler) handleLocks(w http.ResponseWriter, r *http.Request) error {
	locks := h.store.GetAllLocks()
	views := make([]api.LockView, 0, len(locks))
	for _, l := range locks {
		views = append(views, api.LockView{Session: l.Session, File: l.File, AcquiredAt: l.AcquiredAt})
	}
	h.writeJSON(w, http.StatusOK, api.LocksResponse{Count: len(views), Locks: views}, nil)
	return nil
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) error {
	queues := h.store.GetAllQueues()
	views := make([]api.QueueView, 0, len(queues))
	for _, q := range queues {
		views = append(views, api.QueueView{
			File:        q.File,
			Holder:      q.Holder,
			AcquiredAt:  q.AcquiredAt,
			QueueLength: q.QueueLength,
			Waiters:     q.Waiters,
		})
	}
	h.writeJSON(w, http.StatusOK, api.QueuesResponse{Count: len(views), Queues: views}, nil)
	return nil
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) error {
	file := strings.TrimPrefix(r.URL.Path, "/queue")
	if file == "" || file == "/" {
		return badRequest("missing_file", "file path required")
	}
	info, ok := h.store.GetQueueInfo(file)
	if !ok {
		falseVal := false
		h.writeJSON(w, http.StatusOK, api.QueueView{File: file, Exists: &falseVal}, nil)
		return nil
	}
	h.writeJSON(w, http.StatusOK, api.QueueView{
		File:        info.File,
		Holder:      info.Holder,
		AcquiredAt:  info.AcquiredAt,
		QueueLength: info.QueueLength,
		Waiters:     info.Waiters,
	}, nil)
	return nil
}
