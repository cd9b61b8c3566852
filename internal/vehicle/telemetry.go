package vehicle

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// emaAlpha is the smoothing factor applied to voltage and current readings.
// Smaller values smooth harder but react slower.
const emaAlpha = 0.04

const radToDeg = 180 / math.Pi

// Telemetry is an immutable snapshot of the vehicle state. Readers always
// receive a complete copy; the zero value means nothing has been received.
type Telemetry struct {
	Latitude  float64 `json:"latitude"`  // degrees
	Longitude float64 `json:"longitude"` // degrees
	Altitude  float64 `json:"altitude"`  // metres above home

	Pitch float64 `json:"pitch"` // degrees
	Roll  float64 `json:"roll"`  // degrees
	Yaw   float64 `json:"yaw"`   // degrees

	Battery int     `json:"battery"` // percent remaining, 0-100
	Voltage float64 `json:"voltage"` // volts, smoothed
	Current float64 `json:"current"` // amps, smoothed

	Mode  string `json:"mode"`
	Armed bool   `json:"armed"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// telemetryStore holds the latest amalgamated vehicle state. The router is
// the only writer; everything else reads snapshot copies.
type telemetryStore struct {
	mu  sync.RWMutex
	cur Telemetry

	// Once a BATTERY_STATUS message has been seen, SYS_STATUS no longer
	// contributes power readings: BATTERY_STATUS reports per-cell voltages
	// and letting the two sources alternate makes the display flip-flop.
	hasBatteryStatus bool

	subs []chan Telemetry
}

func newTelemetryStore() *telemetryStore {
	return &telemetryStore{cur: Telemetry{Mode: "UNKNOWN"}}
}

// apply folds one inbound message into the store and publishes a snapshot to
// subscribers. It reports whether the message carried telemetry.
func (s *telemetryStore) apply(msg message.Message, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := true
	switch m := msg.(type) {
	case *common.MessageGlobalPositionInt:
		s.cur.Latitude = float64(m.Lat) / 1e7
		s.cur.Longitude = float64(m.Lon) / 1e7
		s.cur.Altitude = float64(m.RelativeAlt) / 1000

	case *common.MessageAttitude:
		s.cur.Pitch = float64(m.Pitch) * radToDeg
		s.cur.Roll = float64(m.Roll) * radToDeg
		s.cur.Yaw = float64(m.Yaw) * radToDeg

	case *common.MessageSysStatus:
		if !s.hasBatteryStatus {
			// battery_remaining -1 means not reported
			if m.BatteryRemaining > 0 {
				s.cur.Battery = clampPercent(int(m.BatteryRemaining))
			}
			// voltage is millivolts, 0 and 65535 are invalid
			if m.VoltageBattery > 0 && m.VoltageBattery < 65535 {
				s.cur.Voltage = ema(s.cur.Voltage, float64(m.VoltageBattery)/1000)
			}
			// current is centiamps, -1 means not reported
			if m.CurrentBattery >= 0 {
				s.cur.Current = ema(s.cur.Current, float64(m.CurrentBattery)/100)
			}
		}

	case *common.MessageBatteryStatus:
		s.hasBatteryStatus = true

		// sum the valid cell voltages; 65535 marks an absent cell
		var totalMillivolts uint32
		for _, v := range m.Voltages {
			if v > 0 && v < 65535 {
				totalMillivolts += uint32(v)
			}
		}
		if totalMillivolts > 0 {
			s.cur.Voltage = ema(s.cur.Voltage, float64(totalMillivolts)/1000)
		}
		if m.CurrentBattery >= 0 {
			s.cur.Current = ema(s.cur.Current, float64(m.CurrentBattery)/100)
		}
		if m.BatteryRemaining >= 0 {
			s.cur.Battery = clampPercent(int(m.BatteryRemaining))
		}

	case *common.MessageHeartbeat:
		s.cur.Armed = m.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
		s.cur.Mode = modeName(m.CustomMode)

	default:
		updated = false
	}

	if updated {
		s.cur.UpdatedAt = now
		snap := s.cur
		for _, ch := range s.subs {
			select {
			case ch <- snap:
			default: // subscriber lagging, drop the update
			}
		}
	}
	return updated
}

func (s *telemetryStore) snapshot() Telemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *telemetryStore) subscribe(buffer int) <-chan Telemetry {
	ch := make(chan Telemetry, buffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// ema smooths displayed power readings. The zero value marks "no reading
// yet" and is replaced verbatim so the display does not ramp up from zero.
func ema(old, raw float64) float64 {
	if old == 0 {
		return raw
	}
	return old + emaAlpha*(raw-old)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// copterModes maps ArduCopter custom mode numbers to their flight mode
// names.
var copterModes = map[uint32]string{
	0:  "STABILIZE",
	1:  "ACRO",
	2:  "ALT_HOLD",
	3:  "AUTO",
	4:  "GUIDED",
	5:  "LOITER",
	6:  "RTL",
	7:  "CIRCLE",
	9:  "LAND",
	11: "DRIFT",
	13: "SPORT",
	14: "FLIP",
	15: "AUTOTUNE",
	16: "POSHOLD",
	17: "BRAKE",
	18: "THROW",
	19: "AVOID_ADSB",
	20: "GUIDED_NOGPS",
	21: "SMART_RTL",
	22: "FLOWHOLD",
	23: "FOLLOW",
	24: "ZIGZAG",
	27: "AUTO_RTL",
}

func modeName(customMode uint32) string {
	if name, ok := copterModes[customMode]; ok {
		return name
	}
	return fmt.Sprintf("MODE(%d)", customMode)
}
