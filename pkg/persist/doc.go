// Package persist dumps program state to disk: an objects snapshot plus a
// modified-attributes journal, both in a single bbolt file. Writes go to a
// temp file renamed over the previous snapshot, so a crash mid-write keeps
// the last good state. Snapshots run every five minutes and once more on
// graceful shutdown.
package persist
