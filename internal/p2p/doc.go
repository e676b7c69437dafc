// Package p2p talks to the peer-to-peer advertisement search API.
//
// One endpoint is used: a JSON POST that returns a page of ads for a
// (fiat, trade type) pair. Client issues single page requests, Fetcher walks
// pages until it has enough trusted listings, and Retrier re-runs a Fetcher
// when a side came back empty.
package p2p
