package model

import (
	"time"
)

type ConnectionState int32

const (
	Offline ConnectionState = iota
	Online
)

func (s ConnectionState) String() string {
	if s == Online {
		return "ONLINE"
	}
	return "OFFLINE"
}

// A vehicle arriving at a stop, as returned to callers. Built fresh
// for every query.
type ArrivalRow struct {
	TripID      string `json:"trip_id,omitempty"`
	RouteID     string `json:"route_id"`
	DirectionID int    `json:"direction_id"`
	Line        string `json:"line"`
	Headsign    string `json:"headsign"`

	// Only set for live estimates.
	Minutes *int `json:"minutes,omitempty"`

	Time     *time.Time `json:"time,omitempty"`
	Realtime bool       `json:"realtime"`
}
