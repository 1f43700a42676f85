package influx

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"multirubro/internal/models"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	measurement = "sensor_data"
)

var ErrConnectionFailed = errors.New("influxdb: connection failed")

// Config selects the InfluxDB server and bucket
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Lookback bounds how old a value LatestValue may return
	Lookback time.Duration
}

// Client stores readings as points and answers latest value queries
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	cfg      Config
}

// Connect creates the client and verifies the server answers a ping
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		cfg:      cfg,
	}, nil
}

// WriteReading stores a reading; it returns once the server accepted it
func (c *Client) WriteReading(ctx context.Context, r models.Reading) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	tags := map[string]string{"device_id": r.DeviceID}
	if r.Unit != "" {
		tags["unit"] = r.Unit
	}
	point := write.NewPoint(
		measurement,
		tags,
		map[string]interface{}{"value": r.Value, "quality": r.Quality},
		ts,
	)
	if err := c.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("write reading for %s: %w", r.DeviceID, err)
	}
	return nil
}

const latestQuery = `from(bucket: params.bucket)
  |> range(start: duration(v: params.lookback))
  |> filter(fn: (r) => r._measurement == params.measurement and r.device_id == params.deviceID and r._field == "value")
  |> last()`

type latestParams struct {
	Bucket      string `json:"bucket"`
	Lookback    string `json:"lookback"`
	Measurement string `json:"measurement"`
	DeviceID    string `json:"deviceID"`
}

// LatestValue returns the newest value of deviceID within the lookback window
func (c *Client) LatestValue(ctx context.Context, deviceID string) (float64, bool, error) {
	result, err := c.queryAPI.QueryWithParams(ctx, latestQuery, latestParams{
		Bucket:      c.cfg.Bucket,
		Lookback:    "-" + c.cfg.Lookback.String(),
		Measurement: measurement,
		DeviceID:    deviceID,
	})
	if err != nil {
		return 0, false, fmt.Errorf("query latest %s: %w", deviceID, err)
	}
	defer result.Close()

	var (
		value float64
		found bool
	)
	for result.Next() {
		if v, ok := result.Record().Value().(float64); ok {
			value, found = v, true
		}
	}
	if err := result.Err(); err != nil {
		return 0, false, fmt.Errorf("read latest %s: %w", deviceID, err)
	}
	return value, found, nil
}

// HealthCheck pings the server
func (c *Client) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return errors.New("influxdb health check failed: server not healthy")
	}
	return nil
}

// Close releases the client
func (c *Client) Close() {
	c.client.Close()
}
