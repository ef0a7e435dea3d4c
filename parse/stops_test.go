package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/arrivals/model"
)

func TestParseStops(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		stops   []*model.Stop
		err     bool
	}{
		{
			"minimal",
			`
stop_id,stop_name,stop_lat,stop_lon
s,Stop,12.5,34.5`,
			[]*model.Stop{{ID: "s", Name: "Stop", Lat: 12.5, Lon: 34.5}},
			false,
		},

		{
			"parent station",
			`
stop_id,stop_code,stop_name,stop_lat,stop_lon,location_type,parent_station
st,,Station,1,2,1,
p,P1,Platform,1,2,0,st`,
			[]*model.Stop{
				{ID: "st", Name: "Station", Lat: 1, Lon: 2, LocationType: model.LocationTypeStation},
				{ID: "p", Code: "P1", Name: "Platform", Lat: 1, Lon: 2, ParentStation: "st"},
			},
			false,
		},

		{
			"generic node without name",
			`
stop_id,location_type,parent_station
n,3,`,
			[]*model.Stop{{ID: "n", LocationType: model.LocationTypeGenericNode}},
			false,
		},

		{
			"unknown parent station",
			`
stop_id,stop_name,stop_lat,stop_lon,parent_station
s,Stop,1,2,nope`,
			nil, true,
		},

		{
			"missing coordinates",
			`
stop_id,stop_name
s,Stop`,
			nil, true,
		},

		{
			"repeated stop_id",
			`
stop_id,stop_name,stop_lat,stop_lon
s,Stop,1,2
s,Stop,1,2`,
			nil, true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := &recordingWriter{}
			stopIDs, err := ParseStops(w, bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tc.stops, w.stops)
			for _, s := range tc.stops {
				assert.True(t, stopIDs[s.ID])
			}
		})
	}
}
