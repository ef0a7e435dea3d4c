package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/arrivals/model"
)

func TestParseTrips(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		routes  map[string]bool
		trips   []*model.Trip
		err     bool
	}{
		{
			"minimal",
			`
trip_id,route_id,service_id
t,r,s`,
			map[string]bool{"r": true},
			[]*model.Trip{{ID: "t", RouteID: "r", ServiceID: "s"}},
			false,
		},

		{
			"all fields",
			`
trip_id,route_id,service_id,trip_headsign,trip_short_name,direction_id
t1,r,s,Downtown,101,1
t2,r,s,Uptown,102,0`,
			map[string]bool{"r": true},
			[]*model.Trip{
				{ID: "t1", RouteID: "r", ServiceID: "s", Headsign: "Downtown", ShortName: "101", DirectionID: 1},
				{ID: "t2", RouteID: "r", ServiceID: "s", Headsign: "Uptown", ShortName: "102", DirectionID: 0},
			},
			false,
		},

		{
			"unknown route",
			`
trip_id,route_id,service_id
t,r2,s`,
			map[string]bool{"r": true}, nil, true,
		},

		{
			"invalid direction",
			`
trip_id,route_id,service_id,direction_id
t,r,s,2`,
			map[string]bool{"r": true}, nil, true,
		},

		{
			"repeated trip_id",
			`
trip_id,route_id,service_id
t,r,s
t,r,s`,
			map[string]bool{"r": true}, nil, true,
		},

		{
			"empty trip_id",
			`
trip_id,route_id,service_id
,r,s`,
			map[string]bool{"r": true}, nil, true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := &recordingWriter{}
			tripIDs, err := ParseTrips(w, bytes.NewBufferString(tc.content), tc.routes)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tc.trips, w.trips)
			assert.Equal(t, len(tc.trips), len(tripIDs))
		})
	}
}
