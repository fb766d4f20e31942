package model

import "time"

// UnitMinor marks a monetary row whose amounts are stored in kopecks.
// Rows written before the unit column existed carry an empty unit until
// the backfill rewrites them.
const UnitMinor = "minor"

// LegacyKopeckCutover is the moment operations switched from whole rubles
// to kopecks. Only the backfill reads it.
var LegacyKopeckCutover = time.Date(2025, 11, 25, 9, 30, 0, 0, time.UTC)
