package broadcast

import (
	"time"

	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/transport"
)

type Config struct {
	RatePerSec  int           // token bucket in front of the transport API
	SendTimeout time.Duration // per (message, destination) attempt
}

// Message is one captured payload to re-post. The engine re-creates a
// clean message in every destination from exactly these fields; sender and
// forward metadata of the source message are not carried.
type Message struct {
	Kind    transport.ContentKind
	Text    string // body for text kind
	FileID  string // media reference for photo/video/document
	Caption string
}

// Destination is one resolved fan-out target.
type Destination struct {
	ChatID int64
	Name   string
}

// DestinationResult is the per-destination slice of a delivery report.
type DestinationResult struct {
	Destination Destination
	Sent        int
	Failed      int
	LastError   string
}

func (r DestinationResult) Clean() bool { return r.Failed == 0 }

// Report aggregates one fan-out. Every (message, destination) pair is
// accounted for either in Sent or Failed; failures are never swallowed.
type Report struct {
	Messages     int
	Destinations []DestinationResult
	StartedAt    time.Time
	Took         time.Duration
}

func (r Report) Attempts() int {
	n := 0
	for _, d := range r.Destinations {
		n += d.Sent + d.Failed
	}
	return n
}

func (r Report) Failed() int {
	n := 0
	for _, d := range r.Destinations {
		n += d.Failed
	}
	return n
}

func (r Report) CleanDestinations() int {
	n := 0
	for _, d := range r.Destinations {
		if d.Clean() {
			n++
		}
	}
	return n
}
