// Package controller assembles the inlined EXECUTE statements this system
// sends for each pings operation. The core speaks only the simple query
// protocol: there is no parameter binding, so every value is lexically
// inlined into the SQL text against a plan PREPARE'd at worker startup.
// This is a deliberate, specified anti-pattern (see the prepare plans in
// PreparePlans below), not an oversight; quoteLiteral exists only to keep
// a single stray quote from breaking the statement, not to make this
// binding style safe in general.
package controller

import (
	"strconv"
	"strings"
)

const (
	// PlanInsertPing is the name of the prepared plan recording a ping.
	PlanInsertPing = "insert_ping"
	// PlanPingsInRange is the name of the prepared plan for a time-range query.
	PlanPingsInRange = "pings_in_range"
)

// PreparePlans is installed on every worker at startup, once, in order.
var PreparePlans = []string{
	"PREPARE " + PlanInsertPing + " AS INSERT INTO pings (device_id, epoch_time) VALUES ($1, $2)",
	"PREPARE " + PlanPingsInRange + " AS SELECT device_id, epoch_time FROM pings WHERE device_id = $1 AND epoch_time BETWEEN $2 AND $3 ORDER BY epoch_time",
}

// InsertPingSQL builds the EXECUTE statement recording one ping.
func InsertPingSQL(deviceID string, epoch int64) string {
	return "EXECUTE " + PlanInsertPing + "(" + quoteLiteral(deviceID) + ", " + strconv.FormatInt(epoch, 10) + ")"
}

// PingsInRangeSQL builds the EXECUTE statement for a device's pings within
// [fromEpoch, toEpoch].
func PingsInRangeSQL(deviceID string, fromEpoch, toEpoch int64) string {
	return "EXECUTE " + PlanPingsInRange + "(" + quoteLiteral(deviceID) + ", " +
		strconv.FormatInt(fromEpoch, 10) + ", " + strconv.FormatInt(toEpoch, 10) + ")"
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
