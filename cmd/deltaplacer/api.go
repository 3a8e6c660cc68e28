package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/mastercactapus/deltaplacer/coord"
	"github.com/mastercactapus/deltaplacer/gcode"
	"github.com/mastercactapus/deltaplacer/journal"
	"github.com/mastercactapus/deltaplacer/kinematics"
	"github.com/mastercactapus/deltaplacer/machine"
	"go.uber.org/zap"
)

// maxProgramSize bounds uploaded programs.
const maxProgramSize = 16 << 20

type api struct {
	http.Handler
	m       *machine.Machine
	j       *journal.Journal
	log     *zap.Logger
	dataDir string
	voxel   float64
	speed   float64

	sse *sse.Server
	ws  *wsHub
}

type apiConfig struct {
	Machine *machine.Machine
	// Journal may be nil.
	Journal *journal.Journal
	Logger  *zap.Logger
	DataDir string
	// VoxelSize is the default for POST /api/boundaries.
	VoxelSize float64
	// Speed is the default move speed in deg/s.
	Speed float64
}

func newAPI(cfg apiConfig) *api {
	r := mux.NewRouter()
	a := &api{
		Handler: r,
		m:       cfg.Machine,
		j:       cfg.Journal,
		log:     cfg.Logger,
		dataDir: cfg.DataDir,
		voxel:   cfg.VoxelSize,
		speed:   cfg.Speed,
		sse: sse.NewServer(&sse.Options{
			Logger: zap.NewStdLog(cfg.Logger.Named("sse")),
		}),
	}
	a.ws = newHub(a)

	r.HandleFunc("/api/state", a.state).Methods("GET")
	r.HandleFunc("/api/power/on", a.command(a.m.PowerOn)).Methods("POST")
	r.HandleFunc("/api/power/off", a.command(a.m.PowerOff)).Methods("POST")
	r.HandleFunc("/api/stop", a.command(a.m.Stop)).Methods("POST")
	r.HandleFunc("/api/reset", a.command(a.m.Reset)).Methods("POST")
	r.HandleFunc("/api/moveto", a.moveTo).Methods("POST")
	r.HandleFunc("/api/program", a.program).Methods("POST")
	r.HandleFunc("/api/grid", a.grid).Methods("POST")
	r.HandleFunc("/api/boundaries", a.boundaries).Methods("GET")
	r.HandleFunc("/api/boundaries", a.generate).Methods("POST")
	r.HandleFunc("/api/faults", a.faults).Methods("GET")
	r.HandleFunc("/api/moves", a.moves).Methods("GET")
	r.Handle("/api/ws", a.ws)
	r.PathPrefix("/events/").Handler(a.sse)

	fs := http.StripPrefix("/data", http.FileServer(http.Dir(a.dataDir)))
	r.PathPrefix("/data/").Methods("GET").Handler(fs)
	r.PathPrefix("/data/").Methods("PUT").Handler(http.StripPrefix("/data", http.HandlerFunc(a.putFile)))
	r.PathPrefix("/data/").Methods("DELETE").Handler(http.StripPrefix("/data", http.HandlerFunc(a.deleteFile)))

	return a
}

// publish forwards machine events to SSE and websocket clients until the
// events channel is closed or ctx is done.
func (a *api) publish(ctx context.Context) {
	for {
		var e machine.Event
		select {
		case <-ctx.Done():
			return
		case e = <-a.m.Events():
		}
		data, err := json.Marshal(e)
		if err != nil {
			a.log.Error("marshal event", zap.Error(err))
			continue
		}
		a.sse.SendMessage("/events/"+e.Type, sse.SimpleMessage(string(data)))
		a.ws.broadcast(data)
	}
}

// Close disconnects every event client.
func (a *api) Close() {
	a.sse.Shutdown()
	a.ws.close()
}

// httpStatus maps an operation error to a response code.
func httpStatus(err error) int {
	var perr *gcode.ParseError
	var prog *machine.ProgramError
	switch {
	case errors.Is(err, machine.ErrHardwareAlarm):
		return http.StatusInternalServerError
	case errors.Is(err, machine.ErrInvalidTransition), errors.Is(err, machine.ErrBuildInProgress):
		return http.StatusConflict
	case errors.Is(err, machine.ErrStopped), errors.Is(err, context.Canceled):
		return http.StatusConflict
	case errors.Is(err, kinematics.ErrUnreachable), errors.Is(err, kinematics.ErrJointLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, machine.ErrInvalidSpeed), errors.Is(err, machine.ErrInvalidGrid),
		errors.As(err, &perr), errors.As(err, &prog):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *api) fail(w http.ResponseWriter, req *http.Request, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		a.log.Error("request failed", zap.String("path", req.URL.Path), zap.Error(err))
	} else {
		a.log.Info("request rejected", zap.String("path", req.URL.Path), zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func (a *api) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("encode response", zap.Error(err))
	}
}

func (a *api) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := fn(req.Context()); err != nil {
			a.fail(w, req, err)
			return
		}
		a.writeJSON(w, map[string]string{"state": a.m.State().String()})
	}
}

type stateResponse struct {
	State         machine.State        `json:"state"`
	Position      *coord.Point         `json:"position,omitempty"`
	Angles        [3]float64           `json:"angles"`
	HasBoundaries bool                 `json:"has_boundaries"`
	Building      bool                 `json:"building"`
	Axes          []machine.AxisStatus `json:"axes,omitempty"`
	AxesError     string               `json:"axes_error,omitempty"`
}

func (a *api) state(w http.ResponseWriter, req *http.Request) {
	res := stateResponse{
		State:         a.m.State(),
		HasBoundaries: a.m.HasBoundaries(),
		Building:      a.m.Building(),
	}
	if p, ok := a.m.Position(); ok {
		res.Position = &p
	}
	for i, ang := range a.m.Angles() {
		res.Angles[i] = kinematics.Degrees(ang)
	}
	axes, err := a.m.Status(req.Context())
	if err != nil {
		res.AxesError = err.Error()
	} else {
		res.Axes = axes[:]
	}
	a.writeJSON(w, res)
}

type moveRequest struct {
	X, Y, Z float64
	// Speed in deg/s; zero selects the default.
	Speed float64
}

func (a *api) moveTo(w http.ResponseWriter, req *http.Request) {
	var mr moveRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, 1<<16)).Decode(&mr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if mr.Speed == 0 {
		mr.Speed = a.speed
	}
	err := a.m.MoveTo(req.Context(), coord.Point{X: mr.X, Y: mr.Y, Z: mr.Z}, kinematics.Radians(mr.Speed))
	if err != nil {
		a.fail(w, req, err)
		return
	}
	p, _ := a.m.Position()
	a.writeJSON(w, map[string]interface{}{"state": a.m.State(), "position": p})
}

// program runs the posted G-code, or the data file named by the file
// parameter. With level=1 the program follows the surface probed into
// grid.json, split into moves no longer than granularity.
func (a *api) program(w http.ResponseWriter, req *http.Request) {
	// the body is the program, so parameters only come from the query
	q := req.URL.Query()
	body := io.Reader(io.LimitReader(req.Body, maxProgramSize))
	if name := q.Get("file"); name != "" {
		ok, full := safePath(a.dataDir, name)
		if !ok {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		f, err := os.Open(full)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		defer f.Close()
		body = f
	}

	var n int
	var err error
	if q.Get("level") == "1" {
		var probes []coord.Point
		var granularity float64
		probes, err = a.loadGrid()
		if err == nil {
			granularity, err = strconv.ParseFloat(q.Get("granularity"), 64)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, err = a.m.RunLeveled(req.Context(), body, granularity, probes)
	} else {
		n, err = a.m.RunProgram(req.Context(), gcode.NewParser(body))
	}
	if err != nil {
		a.log.Warn("program failed", zap.Int("blocks", n), zap.Error(err))
		a.fail(w, req, err)
		return
	}
	a.writeJSON(w, map[string]int{"blocks": n})
}

// grid runs a tray program generated from the posted options. With
// preview=1 the program text is returned instead.
func (a *api) grid(w http.ResponseWriter, req *http.Request) {
	var opt machine.GridOptions
	if err := json.NewDecoder(io.LimitReader(req.Body, 1<<16)).Decode(&opt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL.Query().Get("preview") == "1" {
		blocks, err := opt.Blocks()
		if err != nil {
			a.fail(w, req, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, gcode.Format(blocks))
		return
	}

	n, err := a.m.RunGrid(req.Context(), opt)
	if err != nil {
		a.log.Warn("grid failed", zap.Int("blocks", n), zap.Error(err))
		a.fail(w, req, err)
		return
	}
	a.writeJSON(w, map[string]int{"blocks": n})
}

func (a *api) loadGrid() ([]coord.Point, error) {
	_, name := safePath(a.dataDir, "grid.json")
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read probe grid: %w", err)
	}
	var probes []coord.Point
	if err = json.Unmarshal(data, &probes); err != nil {
		return nil, fmt.Errorf("parse probe grid: %w", err)
	}
	return probes, nil
}

type boundariesResponse struct {
	Present   bool          `json:"present"`
	Building  bool          `json:"building"`
	VoxelSize float64       `json:"voxel_size,omitempty"`
	Origin    *coord.Point  `json:"origin,omitempty"`
	Size      [3]int        `json:"size"`
	Reachable int           `json:"reachable"`
	Layer     []coord.Point `json:"layer,omitempty"`
}

// boundaries describes the installed volume. A z parameter adds the
// reachable voxel centres of the layer containing that height.
func (a *api) boundaries(w http.ResponseWriter, req *http.Request) {
	res := boundariesResponse{Building: a.m.Building()}
	v := a.m.Boundaries()
	if v != nil {
		o := v.Origin()
		res.Present = true
		res.VoxelSize = v.VoxelSize()
		res.Origin = &o
		res.Size = [3]int{v.Width(), v.Depth(), v.Height()}
		res.Reachable = v.Count()

		if s := req.FormValue("z"); s != "" {
			z, err := strconv.ParseFloat(s, 64)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			_, _, layer := v.Voxel(coord.Point{X: o.X, Y: o.Y, Z: z})
			res.Layer = v.Layer(layer)
		}
	}
	a.writeJSON(w, res)
}

// generate starts a rebuild of the boundary volume; completion is
// published as a boundaries event.
func (a *api) generate(w http.ResponseWriter, req *http.Request) {
	voxel := a.voxel
	if s := req.FormValue("voxel"); s != "" {
		var err error
		voxel, err = strconv.ParseFloat(s, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if a.m.Building() {
		a.fail(w, req, machine.ErrBuildInProgress)
		return
	}
	go func() {
		err := a.m.GenerateBoundaries(context.Background(), voxel)
		if err != nil {
			a.log.Error("generate boundaries", zap.Float64("voxel_size", voxel), zap.Error(err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func limit(req *http.Request) int {
	n, err := strconv.Atoi(req.FormValue("limit"))
	if err != nil || n <= 0 || n > 1000 {
		return 100
	}
	return n
}

func (a *api) faults(w http.ResponseWriter, req *http.Request) {
	if a.j == nil {
		a.writeJSON(w, []machine.Fault{})
		return
	}
	res, err := a.j.RecentFaults(req.Context(), limit(req))
	if err != nil {
		a.fail(w, req, err)
		return
	}
	if res == nil {
		res = []machine.Fault{}
	}
	a.writeJSON(w, res)
}

func (a *api) moves(w http.ResponseWriter, req *http.Request) {
	if a.j == nil {
		a.writeJSON(w, []journal.Move{})
		return
	}
	res, err := a.j.RecentMoves(req.Context(), limit(req))
	if err != nil {
		a.fail(w, req, err)
		return
	}
	if res == nil {
		res = []journal.Move{}
	}
	a.writeJSON(w, res)
}

func safePath(base, name string) (bool, string) {
	if filepath.Separator != '/' && strings.ContainsRune(name, filepath.Separator) {
		return false, ""
	}
	dir := base
	if dir == "" {
		dir = "."
	}
	return true, filepath.Join(dir, filepath.FromSlash(path.Clean("/"+name)))
}

func (a *api) putFile(w http.ResponseWriter, req *http.Request) {
	ok, name := safePath(a.dataDir, req.URL.Path)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		a.fail(w, req, err)
		return
	}
	f, err := os.Create(name)
	if err != nil {
		a.fail(w, req, err)
		return
	}
	defer f.Close()
	if _, err = io.Copy(f, io.LimitReader(req.Body, maxProgramSize)); err != nil {
		a.fail(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) deleteFile(w http.ResponseWriter, req *http.Request) {
	ok, name := safePath(a.dataDir, req.URL.Path)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	err := os.Remove(name)
	if errors.Is(err, os.ErrNotExist) {
		http.NotFound(w, req)
		return
	}
	if err != nil {
		a.fail(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
