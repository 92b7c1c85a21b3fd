package engine

import (
	"time"

	"github.com/mazdakn/uswitch/pkg/packet"
)

// NetIO is a source of raw IP packets.
type NetIO interface {
	Start() error
	Stop() error

	Name() string

	// Read fills pkt.Bytes and returns the number of bytes read.
	Read(pkt *packet.Packet, deadline time.Time) (int, error)
}
