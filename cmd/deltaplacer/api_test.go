package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mastercactapus/deltaplacer/journal"
	"github.com/mastercactapus/deltaplacer/kinematics"
	"github.com/mastercactapus/deltaplacer/machine"
	"github.com/mastercactapus/deltaplacer/machine/crd514"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestAPI(t *testing.T) (*api, *httptest.Server) {
	t.Helper()
	log := zaptest.NewLogger(t)

	drv := crd514.New(crd514.NewSim(), crd514.Config{PollInterval: 2 * time.Millisecond, Logger: log})
	t.Cleanup(func() { drv.Close() })

	solver, err := kinematics.NewSolver(kinematics.Nominal())
	require.NoError(t, err)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	m := machine.New(drv, solver, machine.WithLogger(log), machine.WithJournal(j))
	a := newAPI(apiConfig{
		Machine:   m,
		Journal:   j,
		Logger:    log,
		DataDir:   t.TempDir(),
		VoxelSize: 10,
		Speed:     720,
	})
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	return a, srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPI_Move(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := post(t, srv, "/api/moveto", `{"x":0,"y":0,"z":-120}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "powered off")

	resp = post(t, srv, "/api/power/on", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, srv, "/api/moveto", `{"x":0,"y":0,"z":-120}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, srv, "/api/moveto", `{"z":1000}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = post(t, srv, "/api/moveto", `{"z":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st stateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, machine.PoweredOn.String(), st.State.String())
	require.NotNil(t, st.Position)
	assert.Equal(t, -120.0, st.Position.Z)
	assert.Len(t, st.Axes, 3)
	assert.InDelta(t, 22.3, st.Angles[0], 0.1)

	resp2, err := http.Get(srv.URL + "/api/moves?limit=10")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var moves []journal.Move
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&moves))
	assert.Len(t, moves, 2)
}

func TestAPI_Program(t *testing.T) {
	_, srv := newTestAPI(t)
	require.Equal(t, http.StatusOK, post(t, srv, "/api/power/on", "").StatusCode)

	req, err := http.NewRequest("PUT", srv.URL+"/data/square.gcode", strings.NewReader("G0 X0 Y0 Z-120\nG1 X10 F720\nG1 Y10\nM2\n"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = post(t, srv, "/api/program?file=square.gcode", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, 4, res["blocks"])

	resp = post(t, srv, "/api/program", "G0 X0 Y0 Z-120\nG7\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unsupported code")

	resp = post(t, srv, "/api/program", "G0 X0 Y0 Z-120\n!!\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "parse error")
}

func TestAPI_Boundaries(t *testing.T) {
	a, srv := newTestAPI(t)

	resp := post(t, srv, "/api/boundaries?voxel=10", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return a.m.HasBoundaries() && !a.m.Building() }, 30*time.Second, 10*time.Millisecond)

	r, err := http.Get(srv.URL + "/api/boundaries?z=-120")
	require.NoError(t, err)
	defer r.Body.Close()
	var res boundariesResponse
	require.NoError(t, json.NewDecoder(r.Body).Decode(&res))
	assert.True(t, res.Present)
	assert.Equal(t, 10.0, res.VoxelSize)
	assert.NotZero(t, res.Reachable)
	assert.NotEmpty(t, res.Layer)
}

func TestAPI_Faults(t *testing.T) {
	_, srv := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/api/faults")
	require.NoError(t, err)
	defer resp.Body.Close()
	var faults []machine.Fault
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&faults))
	assert.Empty(t, faults)
}

func TestAPI_Grid(t *testing.T) {
	_, srv := newTestAPI(t)

	opt := `{"origin":{"x":0,"y":0,"z":-110},"distance_x":10,"distance_y":0,"pitch":10,"speed":720}`
	resp := post(t, srv, "/api/grid?preview=1", opt)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "F720\nG53G0Z-110\nG53G0X0Y0\nG53G0X10Y0\nG53G0X0Y0\n", string(data))

	resp = post(t, srv, "/api/grid", opt)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "powered off")

	require.Equal(t, http.StatusOK, post(t, srv, "/api/power/on", "").StatusCode)
	resp = post(t, srv, "/api/grid", opt)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, 5, res["blocks"])

	resp = post(t, srv, "/api/grid", `{"pitch":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
