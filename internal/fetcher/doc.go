// Package fetcher contains the protocol drivers bound to transfers: the
// resumable HTTP fetcher, the torrent session adapter and the streaming-media
// delegate runner. Each reports through a Sink and returns a Result.
package fetcher
