package smartherapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/jake-scott/smarther-bridge/internal/pkg/logging"
	"github.com/pkg/errors"
)

// DefaultBaseURL is the production endpoint of the Smarther v2 API.
const DefaultBaseURL = "https://api.developer.legrand.com/smarther/v2.0"

// Live executes requests against the real API. The zero value is not
// usable; construct with NewLiveClient. The With* methods return copies so
// a configured client can be shared across accounts.
type Live struct {
	baseURL     string
	accessToken string
	timeout     time.Duration
	client      *http.Client
}

func NewLiveClient() *Live {
	return &Live{
		baseURL: DefaultBaseURL,
		client:  http.DefaultClient,
	}
}

// WithBaseURL overrides the API endpoint; tests point this at a local
// server.
func (c *Live) WithBaseURL(u string) *Live {
	nc := *c
	nc.baseURL = u
	return &nc
}

func (c *Live) WithAccessToken(token string) Smarther {
	nc := *c
	nc.accessToken = token
	return &nc
}

func (c *Live) WithTimeout(d time.Duration) Smarther {
	nc := *c
	nc.timeout = d
	return &nc
}

func (c *Live) makeContext() (context.Context, context.CancelFunc) {
	var ctx = context.Background()
	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.timeout)
	}

	return ctx, cancel
}

// do executes one request and decodes a 2xx JSON response into out (which
// may be nil). Every failure comes back classified.
func (c *Live) do(method, path string, payload interface{}, out interface{}) error {
	ctx, cancel := c.makeContext()
	defer cancel()

	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	logging.Logger(nil).Debugf("smarther api: %s %s", method, path)

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Classify(resp.StatusCode, body)
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return errors.Wrap(err, "decoding response body")
		}
	}

	return nil
}

func (c *Live) Plants() ([]Plant, error) {
	var pr plantsResponse
	if err := c.do(http.MethodGet, "/plants", nil, &pr); err != nil {
		return nil, errors.Wrap(err, "listing plants")
	}

	items := make([]Plant, 0, len(pr.Plants))
	for _, p := range pr.Plants {
		items = append(items, Plant{ID: p.ID, Name: p.Name})
	}

	return items, nil
}

func (c *Live) Topology(plantID string) ([]Module, error) {
	var tr topologyResponse
	path := fmt.Sprintf("/plants/%s/topology", plantID)
	if err := c.do(http.MethodGet, path, nil, &tr); err != nil {
		return nil, errors.Wrapf(err, "fetching topology of plant %s", plantID)
	}

	items := make([]Module, 0, len(tr.Plant.Modules))
	for _, m := range tr.Plant.Modules {
		items = append(items, Module{ID: m.ID, Name: m.Name, Device: m.Device})
	}

	return items, nil
}

func modulePath(plantID, moduleID string) string {
	return fmt.Sprintf("/chronothermostat/thermoregulation/addressLocation/plants/%s/modules/parameter/id/value/%s",
		plantID, moduleID)
}

func (c *Live) Status(plantID, moduleID string) (*Chronothermostat, error) {
	var sr statusResponse
	if err := c.do(http.MethodGet, modulePath(plantID, moduleID), nil, &sr); err != nil {
		return nil, errors.Wrapf(err, "fetching status of module %s", moduleID)
	}

	if len(sr.Chronothermostats) == 0 {
		return nil, errors.Errorf("empty status response for module %s", moduleID)
	}

	return &sr.Chronothermostats[0], nil
}

func (c *Live) Measures(plantID, moduleID string) (*Measures, error) {
	var mr Measures
	if err := c.do(http.MethodGet, modulePath(plantID, moduleID)+"/measures", nil, &mr); err != nil {
		return nil, errors.Wrapf(err, "fetching measures of module %s", moduleID)
	}

	return &mr, nil
}

func (c *Live) SetStatus(plantID, moduleID string, req SetStatusRequest) error {
	if err := c.do(http.MethodPost, modulePath(plantID, moduleID), req, nil); err != nil {
		return errors.Wrapf(err, "setting status of module %s", moduleID)
	}

	return nil
}
