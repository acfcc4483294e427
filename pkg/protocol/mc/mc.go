// Package mc implements the Mitsubishi MELSEC MC protocol adapter using
// Qna-3E binary frames over TCP. Word points on contiguous D ranges are
// batched per type family; bit points are batched per register prefix. A
// failed batch falls back to point-by-point reads.
package mc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stratumsix/fieldgate/pkg/grouper"
	"github.com/stratumsix/fieldgate/pkg/model"
	"github.com/stratumsix/fieldgate/pkg/protocol"
)

func init() {
	protocol.Register(model.ProtocolMitsubishiMC, func(cfg protocol.Config) (protocol.Adapter, error) {
		return New(cfg)
	})
}

// Adapter is a MELSEC MC driver for one PLC.
type Adapter struct {
	log     *slog.Logger
	clock   clockwork.Clock
	device  model.Device
	timeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	connected bool
}

// New builds the adapter without dialing.
func New(cfg protocol.Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate mc adapter config: %w", err)
	}
	if cfg.Device.Host == "" {
		return nil, fmt.Errorf("device %s: host is required", cfg.Device.Code)
	}
	if cfg.Device.Port <= 0 {
		cfg.Device.Port = 5001
	}
	return &Adapter{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		device:  cfg.Device,
		timeout: cfg.Timeout,
	}, nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	dialer := net.Dialer{Timeout: a.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", a.device.Host, a.device.Port))
	if err != nil {
		return &protocol.ConnectionError{Device: a.device.Code, Err: err}
	}

	a.conn = conn
	a.connected = true
	a.log.Debug("mc: connected", "device", a.device.Code, "host", a.device.Host, "port", a.device.Port)
	return nil
}

// familyFor keys the grouper: word devices cluster per type so 16- and
// 32-bit reads decode against a uniform stride, bit devices per prefix.
func familyFor(class deviceClass, prefix string, p model.Point) string {
	if class.isBit {
		return "bit/" + prefix
	}
	return "word/" + prefix + "/" + string(p.Type)
}

func capFor(family string) int {
	if len(family) >= 4 && family[:4] == "bit/" {
		return maxBitsPerRead
	}
	return maxWordsPerRead
}

func (a *Adapter) ReadPoints(ctx context.Context, points []model.Point) ([]model.Reading, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, &protocol.ReadError{Device: a.device.Code, Err: errors.New("not connected")}
	}

	now := a.clock.Now().UnixNano()
	readings := make([]model.Reading, len(points))

	classByFamily := make(map[string]deviceClass)
	var items []grouper.Item
	for i, p := range points {
		readings[i] = model.Reading{Code: p.Code, TimestampNS: now, Quality: model.QualityBad}

		prefix, number, class, err := parseDeviceAddress(p.Address)
		if err != nil {
			readings[i].Error = err.Error()
			continue
		}
		units := wordCount(p)
		if class.isBit {
			units = p.Length
		}
		family := familyFor(class, prefix, p)
		classByFamily[family] = class
		items = append(items, grouper.Item{Index: i, Family: family, Address: number, Length: units})
	}

	for _, g := range grouper.Groups(items, capFor) {
		class := classByFamily[g.Family]
		if err := ctx.Err(); err != nil {
			for _, it := range g.Items {
				readings[it.Index].Error = err.Error()
			}
			continue
		}

		data, err := a.batchRead(class, g.Start, g.Length)
		if err != nil {
			// Unlike Modbus, a failed MC batch degrades to
			// point-by-point reads before giving up.
			a.log.Debug("mc: batch read failed, falling back to single reads",
				"device", a.device.Code, "family", g.Family, "start", g.Start, "length", g.Length, "error", err)
			a.readSingles(class, g, points, readings)
			continue
		}
		for _, it := range g.Items {
			a.decodeInto(class, points[it.Index], data, it.Address-g.Start, &readings[it.Index])
		}
	}
	return readings, nil
}

// readSingles issues one request per point of a failed group.
func (a *Adapter) readSingles(class deviceClass, g grouper.Group, points []model.Point, readings []model.Reading) {
	for _, it := range g.Items {
		data, err := a.batchRead(class, it.Address, it.Length)
		if err != nil {
			readings[it.Index].Error = err.Error()
			continue
		}
		a.decodeInto(class, points[it.Index], data, 0, &readings[it.Index])
	}
}

func (a *Adapter) decodeInto(class deviceClass, p model.Point, data []byte, offset int, r *model.Reading) {
	var v model.Value
	var err error
	if class.isBit {
		v, err = decodeBits(p, data, offset)
	} else {
		off := 2 * offset
		if off < 0 || off > len(data) {
			err = fmt.Errorf("group offset %d outside response", off)
		} else {
			v, err = decodeWords(p, data[off:])
		}
	}
	if err != nil {
		r.Error = err.Error()
		return
	}
	r.Value = v
	r.Quality = model.QualityGood
	r.Error = ""
}

// batchRead performs one request-response exchange on the shared
// connection. The caller holds the adapter mutex.
func (a *Adapter) batchRead(class deviceClass, head, count int) ([]byte, error) {
	deadline := a.clock.Now().Add(a.timeout)
	if err := a.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if _, err := a.conn.Write(encodeBatchRead(class, head, count)); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	header := make([]byte, 9)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return nil, fmt.Errorf("failed to read response header: %w", err)
	}
	payload := make([]byte, responseLength(header))
	if _, err := io.ReadFull(a.conn, payload); err != nil {
		return nil, fmt.Errorf("failed to read response payload: %w", err)
	}
	return decodeResponse(header, payload)
}

func (a *Adapter) Health(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return
	}
	if err := a.conn.Close(); err != nil {
		a.log.Debug("mc: close failed", "device", a.device.Code, "error", err)
	}
	a.conn = nil
	a.connected = false
}
