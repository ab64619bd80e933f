package eta

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNoRoute means the routing backend answered but found no drivable path.
var ErrNoRoute = errors.New("no route")

// OSRMClient asks an OSRM server for driving durations between two points.
type OSRMClient struct {
	Endpoint string
	// Profile is the OSRM routing profile; empty means driving.
	Profile string
	Client  *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRouteResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

// EstimateSeconds returns the duration of the fastest route from -> to.
func (o *OSRMClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	if from == to {
		return 0, nil
	}
	profile := o.Profile
	if profile == "" {
		profile = "driving"
	}
	// OSRM takes lon,lat pairs
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false&alternatives=false",
		o.Endpoint, profile, from.Lon, from.Lat, to.Lon, to.Lat)
	resp, err := o.Client.Get(url)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()

	var out osrmRouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("osrm status %d: decode: %w", resp.StatusCode, err)
	}
	switch {
	case out.Code == "NoRoute" || (out.Code == "Ok" && len(out.Routes) == 0):
		return 0, ErrNoRoute
	case out.Code != "Ok":
		return 0, fmt.Errorf("osrm %s (status %d): %s", out.Code, resp.StatusCode, out.Message)
	}
	return out.Routes[0].Duration, nil
}
