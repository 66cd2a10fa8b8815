package notify

import (
	"encoding/json"
	"strings"
)

// Channel is a delivery transport.
type Channel string

const (
	ChannelEmail      Channel = "email"
	ChannelPushover   Channel = "pushover"
	ChannelRocketChat Channel = "rocketchat"
	ChannelTeams      Channel = "teams"
	ChannelWebPush    Channel = "webpush"
)

// allChannels fixes the canonical channel order.
var allChannels = []Channel{ChannelEmail, ChannelPushover, ChannelRocketChat, ChannelTeams, ChannelWebPush}

func (c Channel) Valid() bool {
	for _, k := range allChannels {
		if c == k {
			return true
		}
	}
	return false
}

// ChannelSet is an ordered set of channels. A nil set means "unrestricted"
// wherever a restriction is optional.
type ChannelSet []Channel

// NewChannelSet normalises cs into canonical order, dropping unknowns and duplicates.
func NewChannelSet(cs ...Channel) ChannelSet {
	seen := make(map[Channel]bool, len(cs))
	for _, c := range cs {
		seen[Channel(strings.ToLower(string(c)))] = true
	}
	out := ChannelSet{}
	for _, c := range allChannels {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out
}

func (s ChannelSet) Has(c Channel) bool {
	for _, k := range s {
		if k == c {
			return true
		}
	}
	return false
}

// Intersect keeps the members of s also present in o.
func (s ChannelSet) Intersect(o ChannelSet) ChannelSet {
	out := ChannelSet{}
	for _, c := range s {
		if o.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Minus keeps the members of s absent from o.
func (s ChannelSet) Minus(o ChannelSet) ChannelSet {
	out := ChannelSet{}
	for _, c := range s {
		if !o.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// encodeChannels stores a channel list as a JSON array column.
func encodeChannels(cs []Channel) string {
	if len(cs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(NewChannelSet(cs...))
	return string(b)
}

func decodeChannels(s string) []Channel {
	if s == "" {
		return nil
	}
	var cs []Channel
	if err := json.Unmarshal([]byte(s), &cs); err != nil {
		return nil
	}
	return NewChannelSet(cs...)
}
