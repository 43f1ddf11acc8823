// Package slots turns a batch of keywords into publish timestamps.
//
// Keywords are placed into daily buckets starting at the schedule date. A
// QuotaFunc decides how many keywords each calendar day receives and a Cadence
// decides where inside that day they land. Two cadences ship: Fixed, which is
// fully reproducible, and Randomized, which spreads posts across a morning
// window with a per-day random spacing.
//
// Every result honours the same structural rules: times are strictly
// increasing, no time is later than 23:55 local on its day, and nothing is
// earlier than now plus the lead time.
package slots
