package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/podscope/podscope/pkg/kube"
	"github.com/podscope/podscope/pkg/logquery"
)

// tailFlushInterval is how often the websocket tail handler flushes the
// batch collected so far.
const tailFlushInterval = time.Second

type LabelsResponse struct {
	Values []string `json:"values"`
}

// Api exposes the log engine and the informer-backed discovery helpers.
type Api struct {
	engine    *logquery.Engine
	directory *kube.Directory
}

func NewApiInRouter(r *mux.Router, engine *logquery.Engine, directory *kube.Directory) *mux.Router {
	a := Api{engine: engine, directory: directory}
	r.HandleFunc("/logs/query", a.query)
	r.HandleFunc("/logs/tail", a.tail)
	r.HandleFunc("/namespaces", a.getNamespaces)
	r.HandleFunc("/pods", a.getPods)
	r.HandleFunc("/containers", a.getContainers)
	r.HandleFunc("/labels", a.getLabels)
	r.HandleFunc("/labels/{label}/values", a.getLabelValues)
	return r
}

func writeJsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(err)
	}
}

func writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, logquery.ErrNoSelection), errors.Is(err, logquery.ErrOwnerName):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, logquery.ErrNoPods):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *Api) query(w http.ResponseWriter, r *http.Request) {
	opts, err := NewOptionsFromURL(r.URL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := a.engine.Run(r.Context(), *opts)
	if err != nil {
		writeQueryError(w, err)
		return
	}

	if opts.OutputStyle == logquery.OutputText {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := w.Write([]byte(result.Flatten(opts.Timestamps))); err != nil {
			log.Error(err)
		}
		return
	}
	writeJsonResponse(w, result)
}

// tail upgrades to a websocket and streams bounded aggregation batches. One
// engine run per connection; the client reconnects to continue.
func (a *Api) tail(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}

	opts, err := NewOptionsFromURL(r.URL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if opts.DurationSeconds <= 0 {
		opts.DurationSeconds = 300
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Error in upgrading websocket ", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("Error closing websocket ", err)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Collect lines as the engine accepts them and flush them to the
	// socket in batches.
	var (
		batchMu sync.Mutex
		batch   []logquery.Line
	)
	opts.Observer = func(line logquery.Line) {
		batchMu.Lock()
		batch = append(batch, line)
		batchMu.Unlock()
	}

	type runOutcome struct {
		result *logquery.Result
		err    error
	}
	outcomeCh := make(chan runOutcome, 1)
	go func() {
		result, err := a.engine.Run(ctx, *opts)
		outcomeCh <- runOutcome{result: result, err: err}
	}()

	flush := func(stats *logquery.Stats) error {
		batchMu.Lock()
		lines := batch
		batch = nil
		batchMu.Unlock()
		if len(lines) == 0 && stats == nil {
			return nil
		}
		frame := logquery.Result{Namespace: opts.Namespace, Lines: lines}
		if stats != nil {
			frame.Stats = *stats
		}
		return conn.WriteJSON(&frame)
	}

	flushTicker := time.NewTicker(tailFlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case outcome := <-outcomeCh:
			if outcome.err != nil {
				message := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, outcome.err.Error())
				if err := conn.WriteMessage(websocket.CloseMessage, message); err != nil {
					log.Error("Error writing close message to websocket ", err)
				}
				return
			}
			if err := flush(&outcome.result.Stats); err != nil {
				log.Error("Error writing to websocket ", err)
			}
			return
		case <-flushTicker.C:
			if err := flush(nil); err != nil {
				log.Debug("websocket client went away: ", err)
				cancel()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Api) getNamespaces(w http.ResponseWriter, r *http.Request) {
	writeJsonResponse(w, LabelsResponse{Values: a.directory.ListNamespaces()})
}

func (a *Api) getPods(w http.ResponseWriter, r *http.Request) {
	writeJsonResponse(w, LabelsResponse{Values: a.directory.ListPodNames()})
}

func (a *Api) getContainers(w http.ResponseWriter, r *http.Request) {
	writeJsonResponse(w, LabelsResponse{Values: a.directory.ListContainerNames()})
}

func (a *Api) getLabels(w http.ResponseWriter, r *http.Request) {
	writeJsonResponse(w, LabelsResponse{Values: a.directory.ListPodLabelNames()})
}

func (a *Api) getLabelValues(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	writeJsonResponse(w, LabelsResponse{Values: a.directory.ListPodLabelValues(vars["label"])})
}
