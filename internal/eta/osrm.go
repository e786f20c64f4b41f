package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/example/care-sync/internal/models"
)

// OSRMClient performs route duration lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
	Cache    *Cache
}

func NewOSRMClient(endpoint string, cacheTTL time.Duration) *OSRMClient {
	return &OSRMClient{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 2 * time.Second},
		Cache:    NewCache(cacheTTL),
	}
}

func (o *OSRMClient) Minutes(ctx context.Context, from, to models.Coord) (int, error) {
	if o.Cache != nil {
		if v, ok := o.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	secs, err := o.EstimateSeconds(ctx, from, to)
	if err != nil {
		return 0, err
	}
	m := int(math.Round(secs / 60))
	if o.Cache != nil {
		o.Cache.Set(from, to, m)
	}
	return m, nil
}

// EstimateSeconds queries OSRM /route between points and returns duration in seconds.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Duration, nil
}
