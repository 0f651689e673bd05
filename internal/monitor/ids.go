package monitor

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"dgmonitor/internal/model"
)

var eventNamespace = uuid.MustParse("8f4f1c4e-5b7a-4d0e-9a51-2f3c6d7e8a90")

// sampleEventID is stable for a given sample and check, so re-applying a sample
// inserts nothing new.
func sampleEventID(sessionID string, ts time.Time, p model.GeoPoint, check, zone, class string) string {
	name := fmt.Sprintf("%s|%d|%.7f|%.7f|%s|%s|%s", sessionID, ts.UTC().UnixNano(), p.Lat, p.Lng, check, zone, class)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

// freshnessEventID keys a GPS outage on the last fix, so one outage is recorded once
// no matter how many sweeps observe it.
func freshnessEventID(sessionID string, lastUpdate time.Time) string {
	name := fmt.Sprintf("%s|freshness|%d", sessionID, lastUpdate.UTC().UnixNano())
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}
