package smartherapi

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(h http.HandlerFunc) (Smarther, *httptest.Server) {
	srv := httptest.NewServer(h)
	cli := NewLiveClient().WithBaseURL(srv.URL).WithAccessToken("test-token")
	return cli, srv
}

func TestPlants(t *testing.T) {
	cli, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plants" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected Authorization header %q", got)
		}

		w.Write([]byte(`{"plants": [
			{"id": "plant-1", "name": "Home"},
			{"id": "plant-2", "name": "Cottage"}
		]}`))
	})
	defer srv.Close()

	plants, err := cli.Plants()
	if err != nil {
		t.Fatalf("listing plants: %v", err)
	}
	if len(plants) != 2 {
		t.Fatalf("got %d plants, want 2", len(plants))
	}
	if plants[0].ID != "plant-1" || plants[0].Name != "Home" {
		t.Errorf("unexpected first plant: %+v", plants[0])
	}
}

func TestTopology(t *testing.T) {
	cli, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plants/plant-1/topology" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		w.Write([]byte(`{"plant": {"id": "plant-1", "name": "Home", "modules": [
			{"id": "mod-1", "name": "Living room", "device": "chronothermostat"}
		]}}`))
	})
	defer srv.Close()

	mods, err := cli.Topology("plant-1")
	if err != nil {
		t.Fatalf("fetching topology: %v", err)
	}
	if len(mods) != 1 {
		t.Fatalf("got %d modules, want 1", len(mods))
	}
	if mods[0].ID != "mod-1" || mods[0].Name != "Living room" || mods[0].Device != "chronothermostat" {
		t.Errorf("unexpected module: %+v", mods[0])
	}
}

func TestStatusParsesQuotedNumbers(t *testing.T) {
	cli, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		want := "/chronothermostat/thermoregulation/addressLocation/plants/plant-1/modules/parameter/id/value/mod-1"
		if r.URL.Path != want {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		w.Write([]byte(`{"chronothermostats": [{
			"function": "heating",
			"mode": "automatic",
			"setPoint": {"value": "21.00", "unit": "C"},
			"programs": [{"number": 2}],
			"loadState": "active",
			"thermometer": {"measures": [{"timeStamp": "2020-05-17T12:00:00", "value": "20.80"}]},
			"hygrometer": {"measures": [{"value": 44.1}]}
		}]}`))
	})
	defer srv.Close()

	st, err := cli.Status("plant-1", "mod-1")
	if err != nil {
		t.Fatalf("fetching status: %v", err)
	}

	if st.Mode != "automatic" || st.Function != "heating" {
		t.Errorf("unexpected mode/function: %s/%s", st.Mode, st.Function)
	}
	if st.SetPoint.Value.Float64() != 21.0 {
		t.Errorf("quoted setPoint not parsed, got %v", st.SetPoint.Value)
	}
	if len(st.Programs) != 1 || st.Programs[0].Number != 2 {
		t.Errorf("unexpected programs: %+v", st.Programs)
	}
	if v, ok := st.Thermometer.Latest(); !ok || v != 20.8 {
		t.Errorf("unexpected thermometer reading: %v %v", v, ok)
	}
	if v, ok := st.Hygrometer.Latest(); !ok || v != 44.1 {
		t.Errorf("unexpected hygrometer reading: %v %v", v, ok)
	}
}

func TestStatusEmptyResponse(t *testing.T) {
	cli, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chronothermostats": []}`))
	})
	defer srv.Close()

	if _, err := cli.Status("plant-1", "mod-1"); err == nil {
		t.Fatal("expected an error for an empty chronothermostats array")
	}
}

func TestMeasures(t *testing.T) {
	cli, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		want := "/chronothermostat/thermoregulation/addressLocation/plants/plant-1/modules/parameter/id/value/mod-1/measures"
		if r.URL.Path != want {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		w.Write([]byte(`{
			"thermometer": {"measures": [{"value": "19.90"}, {"value": "20.10"}]},
			"hygrometer": {"measures": [{"value": "51.00"}]}
		}`))
	})
	defer srv.Close()

	m, err := cli.Measures("plant-1", "mod-1")
	if err != nil {
		t.Fatalf("fetching measures: %v", err)
	}

	if v, ok := m.Thermometer.Latest(); !ok || v != 20.1 {
		t.Errorf("Latest should return the last reading, got %v %v", v, ok)
	}
	if v, ok := m.Hygrometer.Latest(); !ok || v != 51.0 {
		t.Errorf("unexpected hygrometer reading: %v %v", v, ok)
	}
}

func TestSetStatusBody(t *testing.T) {
	var got SetStatusRequest
	cli, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		b, _ := ioutil.ReadAll(r.Body)
		if err := json.Unmarshal(b, &got); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	err := cli.SetStatus("plant-1", "mod-1", SetStatusRequest{
		Function: "heating",
		Mode:     "manual",
		SetPoint: NewSetPointReq(21.5),
	})
	if err != nil {
		t.Fatalf("setting status: %v", err)
	}

	if got.Mode != "manual" || got.Function != "heating" {
		t.Errorf("unexpected mode/function in body: %s/%s", got.Mode, got.Function)
	}
	if got.SetPoint == nil || got.SetPoint.Value != "21.5" || got.SetPoint.Unit != "C" {
		t.Errorf("unexpected setPoint in body: %+v", got.SetPoint)
	}
}

func TestErrorsAreClassified(t *testing.T) {
	cases := []struct {
		status  int
		outcome Outcome
	}{
		{400, OutcomePermanent},
		{401, OutcomeReauthenticate},
		{404, OutcomeEntityNotFound},
		{469, OutcomeUserAction},
		{500, OutcomeRetryable},
	}

	for _, tc := range cases {
		status := tc.status
		cli, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		_, err := cli.Status("plant-1", "mod-1")
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected an error", tc.status)
		}
		e, ok := AsAPIError(err)
		if !ok {
			t.Fatalf("status %d: error not classified: %v", tc.status, err)
		}
		if e.Outcome != tc.outcome {
			t.Errorf("status %d: got outcome %s, want %s", tc.status, e.Outcome, tc.outcome)
		}
	}
}

func TestTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // nothing listening any more

	cli := NewLiveClient().WithBaseURL(url).WithAccessToken("t")
	_, err := cli.Plants()
	if err == nil {
		t.Fatal("expected a connection error")
	}

	e, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("transport error not classified: %v", err)
	}
	if e.Outcome != OutcomeRetryable {
		t.Errorf("got outcome %s, want retryable", e.Outcome)
	}
}
