package sink

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"wisefido-geofence/internal/common/config"
	"wisefido-geofence/internal/models"
)

// InfluxMeasurement 事件时序表名
const InfluxMeasurement = "geofence_event"

// InfluxSink 写入 InfluxDB v2 时序库（阻塞写，便于返回错误）
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink 创建 InfluxDB Sink 并检查连通性
func NewInfluxSink(ctx context.Context, cfg *config.InfluxDBConfig) (*InfluxSink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

func (s *InfluxSink) Record(ctx context.Context, event models.GeofenceEvent) error {
	if err := s.writeAPI.WritePoint(ctx, eventPoint(event)); err != nil {
		return fmt.Errorf("failed to write event point: %w", err)
	}
	return nil
}

// Close 关闭客户端
func (s *InfluxSink) Close() {
	s.client.Close()
}

func eventPoint(event models.GeofenceEvent) *write.Point {
	fields := map[string]interface{}{
		"event_id":         event.EventID,
		"geofence_version": event.GeofenceVersion,
		"latitude":         event.Position.Latitude,
		"longitude":        event.Position.Longitude,
	}
	if event.DwellDurationMs != nil {
		fields["dwell_duration_ms"] = *event.DwellDurationMs
	}
	return write.NewPoint(
		InfluxMeasurement,
		map[string]string{
			"user_id":     event.UserID,
			"device_id":   event.DeviceID,
			"geofence_id": event.GeofenceID,
			"event_type":  string(event.Type),
		},
		fields,
		event.OccurredAt,
	)
}
