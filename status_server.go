package wiretemp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/hubertat/wiretemp/outputs"
)

const httpTimeoutsMs = 3000

type deviceStatus struct {
	Index      uint8  `json:"index"`
	Address    string `json:"address"`
	Resolution int    `json:"resolution"`
	Present    bool   `json:"present"`
}

type failureStatus struct {
	Index   uint8  `json:"index"`
	Address string `json:"address"`
	Error   string `json:"error"`
}

type readingsStatus struct {
	Cycle    string           `json:"cycle,omitempty"`
	Started  time.Time        `json:"started"`
	Finished time.Time        `json:"finished"`
	Error    string           `json:"error,omitempty"`
	Readings []outputs.Sample `json:"readings"`
	Failures []failureStatus  `json:"failures"`
}

func (wt *WireTemp) statusHandler() http.Handler {
	router := httprouter.New()
	router.GET("/devices", wt.handleDevices)
	router.GET("/readings", wt.handleReadings)
	router.POST("/read", wt.handleRead)
	return router
}

// StartStatusServer serves the JSON status api on HttpAddr in the
// background. Listen errors are logged.
func (wt *WireTemp) StartStatusServer() {
	httpTimeout := httpTimeoutsMs * time.Millisecond

	wt.server = &http.Server{
		Addr:              wt.HttpAddr,
		Handler:           wt.statusHandler(),
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		WriteTimeout:      httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	go func() {
		err := wt.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			wt.getLogger().Error("status server stopped", "err", err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (wt *WireTemp) handleDevices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	devices, _ := wt.Snapshot()

	status := []deviceStatus{}
	for _, dev := range devices {
		status = append(status, deviceStatus{
			Index:      dev.Index,
			Address:    dev.Address.String(),
			Resolution: dev.Resolution,
			Present:    dev.Present,
		})
	}
	writeJSON(w, status)
}

func (wt *WireTemp) handleReadings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	_, report := wt.Snapshot()
	if report.Started.IsZero() {
		http.Error(w, "no read cycle finished yet", http.StatusServiceUnavailable)
		return
	}

	status := readingsStatus{
		Cycle:    report.ID.String(),
		Started:  report.Started,
		Finished: report.Finished,
		Readings: outputs.Samples(report),
		Failures: []failureStatus{},
	}
	if status.Readings == nil {
		status.Readings = []outputs.Sample{}
	}
	if report.Err != nil {
		status.Error = report.Err.Error()
	}
	for _, res := range report.Results {
		if res.Err != nil {
			status.Failures = append(status.Failures, failureStatus{Index: res.Index, Address: res.Address.String(), Error: res.Err.Error()})
		}
	}
	writeJSON(w, status)
}

func (wt *WireTemp) handleRead(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if wt.trigger == nil {
		http.Error(w, "driver not ready", http.StatusServiceUnavailable)
		return
	}
	wt.RequestCycle()
	w.WriteHeader(http.StatusAccepted)
}
