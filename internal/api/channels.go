package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nerrad567/devicelease/internal/device"
	"github.com/nerrad567/devicelease/internal/journal"
	"github.com/nerrad567/devicelease/internal/lease"
)

// WebSocket subscription channels:
//
//	lease.<event>  one event type, e.g. lease.expired
//	lease.*        every event type
//	lease.<id>     every event of one lease
//	device.<mac>   every event on one device
const (
	channelAllEvents = "lease.*"
	leasePrefix      = "lease."
	devicePrefix     = "device."

	// maxSubscriptions bounds the channels one client may hold.
	maxSubscriptions = 64
)

var errUnknownChannel = errors.New("unknown channel")

// eventChannelSet is every lease.<event> channel the journal broadcasts on.
var eventChannelSet = func() map[string]struct{} {
	types := []lease.EventType{
		lease.EventAcquired,
		lease.EventRenewed,
		lease.EventReleased,
		lease.EventExpired,
		lease.EventLost,
		lease.EventAcquireFailed,
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[journal.Channel(t)] = struct{}{}
	}
	return set
}()

// parseChannel validates a channel name from a client and returns its
// canonical form: MACs normalised and lease IDs lower-cased.
func parseChannel(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == channelAllEvents {
		return raw, nil
	}
	if _, ok := eventChannelSet[raw]; ok {
		return raw, nil
	}

	if rest, ok := strings.CutPrefix(raw, devicePrefix); ok {
		mac, err := device.NormaliseMAC(rest)
		if err != nil {
			return "", fmt.Errorf("%w %q: %v", errUnknownChannel, raw, err)
		}
		return devicePrefix + mac, nil
	}
	if rest, ok := strings.CutPrefix(raw, leasePrefix); ok {
		if id, err := uuid.Parse(rest); err == nil {
			return leasePrefix + id.String(), nil
		}
	}
	return "", fmt.Errorf("%w %q", errUnknownChannel, raw)
}

// eventChannels lists every channel ev is delivered on when broadcast on
// channel.
func eventChannels(channel string, ev lease.Event) []string {
	chs := []string{channel, channelAllEvents}
	if ev.LeaseID != "" {
		chs = append(chs, leasePrefix+ev.LeaseID)
	}
	if ev.MAC != "" {
		chs = append(chs, devicePrefix+ev.MAC)
	}
	return chs
}
