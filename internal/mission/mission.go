// Package mission turns ordered waypoint lists into MAVLink mission item
// sequences and uploads them to the vehicle with the clear, count, per-item,
// verify handshake.
package mission

import (
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

const (
	// DefaultTakeoffAltitude is the climb-to altitude of a generated
	// takeoff item, metres above home.
	DefaultTakeoffAltitude = 10

	// AcceptanceRadius is how close the vehicle must come to a waypoint
	// before advancing, metres.
	AcceptanceRadius = 2
)

// Waypoint is a single navigation target. Alt is metres above home.
type Waypoint struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
	Alt float64 `yaml:"alt"`
}

// BuildOptions select the framing items around the waypoint list.
type BuildOptions struct {
	AddTakeoff        bool
	AddReturnToLaunch bool
}

// Build maps an ordered waypoint list into the item sequence the vehicle
// executes: optional takeoff, one NAV_WAYPOINT per waypoint, optional return
// to launch. Sequence numbers are assigned by position and exactly item zero
// is marked current. Takeoff and RTL carry lat/lon 0/0, which the protocol
// reads as "current position", so the launch point is wherever the vehicle
// happens to be.
func Build(waypoints []Waypoint, opts BuildOptions) []*common.MessageMissionItem {
	items := make([]*common.MessageMissionItem, 0, len(waypoints)+2)

	if opts.AddTakeoff {
		items = append(items, &common.MessageMissionItem{
			Command: common.MAV_CMD_NAV_TAKEOFF,
			Frame:   common.MAV_FRAME_GLOBAL_RELATIVE_ALT,
			Z:       DefaultTakeoffAltitude,
		})
	}

	for _, wp := range waypoints {
		items = append(items, &common.MessageMissionItem{
			Command: common.MAV_CMD_NAV_WAYPOINT,
			Frame:   common.MAV_FRAME_GLOBAL_RELATIVE_ALT,
			Param2:  AcceptanceRadius, // hold time, pass-through and yaw stay zero
			X:       float32(wp.Lat),
			Y:       float32(wp.Lon),
			Z:       float32(wp.Alt),
		})
	}

	if opts.AddReturnToLaunch {
		items = append(items, &common.MessageMissionItem{
			Command: common.MAV_CMD_NAV_RETURN_TO_LAUNCH,
			Frame:   common.MAV_FRAME_GLOBAL_RELATIVE_ALT,
		})
	}

	for i, item := range items {
		item.Seq = uint16(i)
		item.Autocontinue = 1
		if i == 0 {
			item.Current = 1
		}
	}

	return items
}
