// Package catalog loads task definitions from Postgres into immutable
// in-memory snapshots. A session engine never touches the catalog after
// start; configuration edits only apply to later sessions.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratumsix/fieldgate/pkg/model"
)

// ErrTaskNotFound is returned when a task id or code has no row.
var ErrTaskNotFound = errors.New("task not found")

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

type Catalog struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(cfg Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate catalog config: %w", err)
	}
	return &Catalog{log: cfg.Logger, pool: cfg.Pool}, nil
}

// deviceRow pairs a device with its database id so points can be attached.
type deviceRow struct {
	id     int64
	device model.Device
}

// LoadTask assembles the full task snapshot: task row, devices and points.
func (c *Catalog) LoadTask(ctx context.Context, taskID int64) (model.Task, error) {
	var (
		task           model.Task
		pollIntervalMS int64
	)
	err := c.pool.QueryRow(ctx, `
		SELECT id, code, name, schedule, poll_interval_ms
		FROM tasks WHERE id = $1`, taskID).
		Scan(&task.ID, &task.Code, &task.Name, &task.Schedule, &pollIntervalMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("failed to load task: %w", err)
	}
	task.PollInterval = time.Duration(pollIntervalMS) * time.Millisecond

	devices, err := c.loadDevices(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}

	for _, d := range devices {
		device := d.device
		device.Points, err = c.loadPoints(ctx, d.id)
		if err != nil {
			return model.Task{}, err
		}
		task.Devices = append(task.Devices, device)
	}

	if err := ValidateTask(task); err != nil {
		return model.Task{}, err
	}
	c.log.Debug("catalog: loaded task", "task", task.Code, "devices", len(task.Devices))
	return task, nil
}

func (c *Catalog) loadDevices(ctx context.Context, taskID int64) ([]deviceRow, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, code, protocol, host, port, slave, metadata
		FROM devices WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	defer rows.Close()

	var devices []deviceRow
	for rows.Next() {
		var d deviceRow
		if err := rows.Scan(&d.id, &d.device.Code, &d.device.Protocol,
			&d.device.Host, &d.device.Port, &d.device.Slave, &d.device.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read device rows: %w", err)
	}
	return devices, nil
}

func (c *Catalog) loadPoints(ctx context.Context, deviceID int64) ([]model.Point, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT code, address, type, length, coefficient, precision, name, unit
		FROM points WHERE device_id = $1 ORDER BY id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load points: %w", err)
	}
	defer rows.Close()

	var points []model.Point
	for rows.Next() {
		var p model.Point
		if err := rows.Scan(&p.Code, &p.Address, &p.Type, &p.Length,
			&p.Coefficient, &p.Precision, &p.Name, &p.Unit); err != nil {
			return nil, fmt.Errorf("failed to scan point row: %w", err)
		}
		p.Normalize()
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read point rows: %w", err)
	}
	return points, nil
}

// ValidateTask checks the structural invariants a snapshot must hold before
// a session may start. Malformed point addresses are not checked here; the
// adapters degrade those to bad readings at run time.
func ValidateTask(task model.Task) error {
	if len(task.Devices) == 0 {
		return fmt.Errorf("task %s has no devices", task.Code)
	}
	seen := map[string]bool{}
	for _, device := range task.Devices {
		if device.Code == "" {
			return fmt.Errorf("task %s has a device without a code", task.Code)
		}
		if seen[device.Code] {
			return fmt.Errorf("task %s has duplicate device code %s", task.Code, device.Code)
		}
		seen[device.Code] = true

		switch device.Protocol {
		case model.ProtocolModbusTCP, model.ProtocolMitsubishiMC, model.ProtocolMQTT:
		default:
			return fmt.Errorf("device %s has unknown protocol %q", device.Code, device.Protocol)
		}
		if device.Host == "" {
			return fmt.Errorf("device %s has no host", device.Code)
		}
		if len(device.Points) == 0 {
			return fmt.Errorf("device %s has no points", device.Code)
		}

		pointCodes := map[string]bool{}
		for _, p := range device.Points {
			if p.Code == "" {
				return fmt.Errorf("device %s has a point without a code", device.Code)
			}
			if pointCodes[p.Code] {
				return fmt.Errorf("device %s has duplicate point code %s", device.Code, p.Code)
			}
			pointCodes[p.Code] = true
			// MQTT points are matched by code against payload keys and
			// need no address.
			if p.Address == "" && device.Protocol != model.ProtocolMQTT {
				return fmt.Errorf("point %s/%s has no address", device.Code, p.Code)
			}
		}
	}
	return nil
}
