// Package store implements Store: the durable directory/KV layout (§4.8).
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package store

import "path/filepath"

// fname-style path constants, grounded on the teacher's cmn/fname
// convention of centralizing on-disk basenames in one place.
const (
	dbFile        = "store.db"
	contentFile   = "content"
	markerDir     = ".markers"
	groupMarker   = "group"
	channelMarker = "channel"
	consumerMkr   = "consumer"
	producerMkr   = "producer"
)

func markerPath(root string, parts ...string) string {
	return filepath.Join(append([]string{root, markerDir}, parts...)...)
}

// ContentFilePath returns the path to a channel's content file, the
// backing store for its PagedFile/MessageBuffer.
func ContentFilePath(root, group, channel string) string {
	return filepath.Join(root, "groups", group, channel, contentFile)
}
