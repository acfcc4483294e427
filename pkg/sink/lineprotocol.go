package sink

import (
	"bytes"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/stratumsix/fieldgate/pkg/model"
)

// Plausible epoch-ns window for incoming timestamps, 2020-01-01 to
// 2100-01-01. Anything outside is a broken device clock and is replaced by
// the engine's wall clock.
const (
	minValidTimestampNS = 1577836800000000000
	maxValidTimestampNS = 4102444800000000000
)

var (
	measurementEscaper = strings.NewReplacer(`,`, `\,`, ` `, `\ `)
	tagEscaper         = strings.NewReplacer(`,`, `\,`, ` `, `\ `, `=`, `\=`)
	stringFieldEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// Encoder renders canonical points as line protocol. It remembers the field
// type per measurement and field key so type flips inside one session are
// surfaced instead of silently rejected by the store.
type Encoder struct {
	log        *slog.Logger
	clock      clockwork.Clock
	fieldKinds map[string]model.ValueKind
}

func NewEncoder(log *slog.Logger, clock clockwork.Clock) *Encoder {
	return &Encoder{
		log:        log,
		clock:      clock,
		fieldKinds: make(map[string]model.ValueKind),
	}
}

// EncodeBatch renders one line per point, newline separated. Points that end
// up without any representable field are dropped with a warning.
func (e *Encoder) EncodeBatch(batch []model.CanonicalPoint) []byte {
	var buf bytes.Buffer
	for _, p := range batch {
		e.encodePoint(&buf, p)
	}
	return buf.Bytes()
}

func (e *Encoder) encodePoint(buf *bytes.Buffer, p model.CanonicalPoint) {
	if p.Measurement == "" {
		e.log.Warn("sink: point without measurement dropped")
		return
	}

	var line bytes.Buffer
	line.WriteString(measurementEscaper.Replace(p.Measurement))

	tagKeys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		if p.Tags[k] != "" {
			tagKeys = append(tagKeys, k)
		}
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		line.WriteByte(',')
		line.WriteString(tagEscaper.Replace(k))
		line.WriteByte('=')
		line.WriteString(tagEscaper.Replace(p.Tags[k]))
	}

	fieldKeys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)

	wrote := 0
	for _, k := range fieldKeys {
		encoded, ok := e.encodeField(p.Measurement, k, p.Fields[k])
		if !ok {
			continue
		}
		if wrote == 0 {
			line.WriteByte(' ')
		} else {
			line.WriteByte(',')
		}
		line.WriteString(tagEscaper.Replace(k))
		line.WriteByte('=')
		line.WriteString(encoded)
		wrote++
	}
	if wrote == 0 {
		e.log.Warn("sink: point without representable fields dropped", "measurement", p.Measurement)
		return
	}

	ts := p.TimestampNS
	if ts < minValidTimestampNS || ts > maxValidTimestampNS {
		now := e.clock.Now().UnixNano()
		e.log.Warn("sink: implausible timestamp replaced by server time",
			"measurement", p.Measurement, "timestamp_ns", ts, "replaced_with", now)
		ts = now
	}
	line.WriteByte(' ')
	line.WriteString(strconv.FormatInt(ts, 10))
	line.WriteByte('\n')

	buf.Write(line.Bytes())
}

// encodeField coerces a value to one of the four line-protocol scalars.
func (e *Encoder) encodeField(measurement, key string, v model.Value) (string, bool) {
	kind := v.Kind()
	if kind == model.KindJSON {
		kind = model.KindString
	}
	if kind == model.KindEmpty {
		e.log.Warn("sink: unrepresentable field dropped", "measurement", measurement, "field", key)
		return "", false
	}

	id := measurement + "\x00" + key
	if prev, ok := e.fieldKinds[id]; !ok {
		e.fieldKinds[id] = kind
	} else if prev != kind {
		e.log.Warn("sink: field type changed within session",
			"measurement", measurement, "field", key, "was", prev.String(), "now", kind.String())
		e.fieldKinds[id] = kind
	}

	switch v.Kind() {
	case model.KindI64:
		return strconv.FormatInt(v.I64(), 10) + "i", true
	case model.KindF64:
		f := v.F64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			e.log.Warn("sink: non-finite float dropped", "measurement", measurement, "field", key)
			return "", false
		}
		return strconv.FormatFloat(f, 'f', -1, 64), true
	case model.KindBool:
		if v.Bool() {
			return "true", true
		}
		return "false", true
	case model.KindString:
		return `"` + stringFieldEscaper.Replace(v.Str()) + `"`, true
	case model.KindJSON:
		return `"` + stringFieldEscaper.Replace(v.JSON()) + `"`, true
	default:
		return "", false
	}
}
