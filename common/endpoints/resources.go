package endpoints

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
	"github.com/experimaestro/xpm/resource"
	"github.com/experimaestro/xpm/scheduler"
	"github.com/experimaestro/xpm/store"
)

// ResourceHandler maps the resource operations of the scheduler to HTTP.
type ResourceHandler struct {
	sched *scheduler.Scheduler
}

// Count is the reply of operations touching several resources.
type Count struct {
	Count int `json:"count"`
}

// Done is the reply of operations that may be no-ops.
type Done struct {
	Changed bool `json:"changed"`
}

// ParseID accepts "12" as well as the "R12" form used in logs.
func ParseID(s string) (resource.ID, error) {
	n, err := strconv.ParseInt(strings.TrimPrefix(s, "R"), 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.Wrapf(xpmerrors.ErrUnknownResource, "invalid resource id %q", s)
	}
	return resource.ID(n), nil
}

func (h *ResourceHandler) lookup(r *http.Request) (*resource.Resource, error) {
	id, err := ParseID(r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	return h.sched.Resource(id)
}

func (h *ResourceHandler) status(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	var res *resource.Resource
	var err error
	if id, perr := ParseID(ref); perr == nil {
		res, err = h.sched.Resource(id)
	} else {
		res, err = h.sched.ResourceByLocator("/" + strings.TrimPrefix(ref, "/"))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := h.sched.Status(res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *ResourceHandler) submit(w http.ResponseWriter, r *http.Request) {
	def := &scheduler.Definition{}
	if err := json.NewDecoder(r.Body).Decode(def); err != nil {
		http.Error(w, "invalid definition: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.sched.SubmitDefinition(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := h.sched.Status(res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *ResourceHandler) restart(w http.ResponseWriter, r *http.Request) {
	res, err := h.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := h.sched.Restart(r.Context(), res, restartOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Count{n})
}

func (h *ResourceHandler) kill(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	killed, err := h.sched.Kill(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Done{killed})
}

func (h *ResourceHandler) delete(w http.ResponseWriter, r *http.Request) {
	res, err := h.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.sched.Delete(r.Context(), res, flag(r, "recursive")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Done{true})
}

func (h *ResourceHandler) clean(w http.ResponseWriter, r *http.Request) {
	res, err := h.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.sched.Clean(r.Context(), res, flag(r, "removeFiles")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Done{true})
}

// notify is called by run scripts when their job exits.
func (h *ResourceHandler) notify(w http.ResponseWriter, r *http.Request) {
	res, err := h.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	log.WithFields(log.Fields{"resource": res.ID(), "remote": r.RemoteAddr}).Debug("Job notification")
	writeJSON(w, http.StatusOK, Done{h.sched.UpdateStatus(res)})
}

func (h *ResourceHandler) cleanupLocks(w http.ResponseWriter, r *http.Request) {
	n, err := h.sched.CleanupLocks(flag(r, "simulate"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Count{n})
}

func (h *ResourceHandler) newExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := h.sched.NewExperiment(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func experimentID(r *http.Request) (store.ExperimentID, error) {
	n, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(store.ErrNotFound, "invalid experiment id %q", r.PathValue("id"))
	}
	return store.ExperimentID(n), nil
}

func (h *ResourceHandler) holdExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := h.sched.HoldExperiment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Count{n})
}

func (h *ResourceHandler) restartExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := h.sched.RestartExperiment(r.Context(), id, restartOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Count{n})
}

func (h *ResourceHandler) supersede(w http.ResponseWriter, r *http.Request) {
	n, err := h.sched.Supersede(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Count{n})
}

func restartOptions(r *http.Request) scheduler.RestartOptions {
	return scheduler.RestartOptions{Done: flag(r, "done"), Recursive: flag(r, "recursive")}
}

func flag(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// StatusCode maps scheduler errors to HTTP codes.
func StatusCode(err error) int {
	switch cause := errors.Cause(err); {
	case cause == xpmerrors.ErrUnknownResource, cause == store.ErrNotFound:
		return http.StatusNotFound
	case cause == xpmerrors.ErrRunning, cause == xpmerrors.ErrHasDependents, cause == xpmerrors.ErrCannotOverwrite:
		return http.StatusConflict
	case cause == xpmerrors.ErrUnsupported, cause == xpmerrors.ErrInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		log.WithFields(log.Fields{"err": err}).Error("Request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("Cannot write reply")
	}
}
