// Package webhook delivers batched notification embeds to per-channel
// webhook endpoint lists, with per-endpoint cooldowns, pacing, penalty
// backoff, and rate-limit handling against the shared KV store.
package webhook

import (
	"strconv"
	"time"

	"github.com/uthgard/heraldwatch/internal/warmap"
)

// Channel identifies one of the three notification categories.
type Channel string

const (
	ChannelUA      Channel = "ua"
	ChannelCapture Channel = "capture"
	ChannelPlayers Channel = "players"
)

// Embed mirrors the Discord-style embed object accepted by the configured
// webhook endpoints.
type Embed struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Color       int             `json:"color"`
	Timestamp   string          `json:"timestamp,omitempty"`
	Footer      *EmbedFooter    `json:"footer,omitempty"`
	Fields      []EmbedField    `json:"fields,omitempty"`
	Thumbnail   *EmbedThumbnail `json:"thumbnail,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type EmbedThumbnail struct {
	URL string `json:"url"`
}

// realmColor gives each realm a distinct embed accent color.
var realmColor = map[warmap.Realm]int{
	warmap.RealmAlbion:   0xC0392B,
	warmap.RealmMidgard:  0x2980B9,
	warmap.RealmHibernia: 0x27AE60,
}

func colorFor(r warmap.Realm) int {
	if c, ok := realmColor[r]; ok {
		return c
	}
	return 0x95A5A6
}

// CaptureEmbed builds the payload for a keep ownership change.
func CaptureEmbed(keepName string, newOwner warmap.Realm, leader string, at time.Time) Embed {
	title := "🏰 " + keepName + " was captured by " + string(newOwner)
	if leader != "" {
		title += " — led by " + leader
	}
	return Embed{
		Title:     title,
		Color:     colorFor(newOwner),
		Timestamp: at.UTC().Format(time.RFC3339),
		Footer:    &EmbedFooter{Text: "heraldwatch"},
	}
}

// UAEmbed builds the payload for an under-attack rising edge.
func UAEmbed(k warmap.Keep, at time.Time) Embed {
	e := Embed{
		Title:     "⚔️ " + k.Name + " is under attack",
		Color:     colorFor(k.Owner),
		Timestamp: at.UTC().Format(time.RFC3339),
		Footer:    &EmbedFooter{Text: "heraldwatch"},
		Fields: []EmbedField{
			{Name: "Owner", Value: string(k.Owner), Inline: true},
		},
	}
	if k.Level > 0 {
		e.Fields = append(e.Fields, EmbedField{Name: "Level", Value: strconv.Itoa(k.Level), Inline: true})
	}
	if k.ClaimedBy != "" {
		e.Fields = append(e.Fields, EmbedField{Name: "Claimed by", Value: k.ClaimedBy, Inline: true})
	}
	if k.EmblemURL != "" {
		e.Thumbnail = &EmbedThumbnail{URL: k.EmblemURL}
	}
	return e
}

// PlayerEmbed builds the payload for a tracked-player activity ping.
func PlayerEmbed(name string, delta int, at time.Time) Embed {
	return Embed{
		Title:       "🟢 " + name + " is active",
		Description: "+" + strconv.Itoa(delta) + " RPs gained",
		Color:       0x2ECC71,
		Timestamp:   at.UTC().Format(time.RFC3339),
	}
}
