// Package eta provides routing-backed implementations of the core ETA
// estimator.
package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openhail/dispatch/core/geo"
)

// OSRMClient queries an OSRM HTTP server for driving durations.
type OSRMClient struct {
	endpoint string
	client   *http.Client
}

// NewOSRMClient builds a client for the given OSRM endpoint, e.g.
// "http://osrm:5000".
func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OSRMClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// ETA queries OSRM's route service between the two points and returns the
// driving duration.
func (o *OSRMClient) ETA(ctx context.Context, from, to geo.Point) (time.Duration, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Duration float64 `json:"duration"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %s", out.Code)
	}
	return time.Duration(out.Routes[0].Duration * float64(time.Second)), nil
}
