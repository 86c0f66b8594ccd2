// Package config loads, validates, and migrates the bridge's configuration
// document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/huestage/artnethue-bridge/internal/channelmap"
)

const currentVersion = 3

// Document is the v3 configuration document.
type Document struct {
	Version int        `json:"version"`
	ArtNet  ArtNet     `json:"artnet"`
	Hubs    []HubEntry `json:"hubs"`
}

// ArtNet holds the receiver's ingress settings.
type ArtNet struct {
	BindIP string `json:"bindIp"`
}

// HubEntry is one configured Hue bridge and its Art-Net mapping.
type HubEntry struct {
	ID                           string          `json:"id"`
	Name                         string          `json:"name,omitempty"`
	Host                         string          `json:"host"`
	Username                     string          `json:"username"`
	ClientKey                    string          `json:"clientKey"`
	EntertainmentConfigurationID string          `json:"entertainmentConfigurationId,omitempty"`
	ArtNetUniverse               int             `json:"artNetUniverse"`
	Channels                     []ChannelEntry  `json:"channels"`
}

// ChannelEntry is one DMX-to-entertainment-channel mapping, as stored on
// disk (internal/channelmap.Mapping is its runtime counterpart).
type ChannelEntry struct {
	ChannelID   uint8  `json:"channelId"`
	DMXStart    int    `json:"dmxStart"`
	ChannelMode string `json:"channelMode"`
}

// Load reads path, migrating older document versions forward and writing a
// best-effort sibling backup before any migration overwrites the file.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var versionProbe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &versionProbe); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	doc, migrated, err := migrate(raw, versionProbe.Version)
	if err != nil {
		return nil, fmt.Errorf("config: migrate %s: %w", path, err)
	}

	if migrated {
		backupPath := fmt.Sprintf("%s.bak-v%d", path, versionProbe.Version)
		if err := os.WriteFile(backupPath, raw, 0o600); err != nil {
			// Best-effort: a failed backup must not block startup on a
			// successfully migrated, in-memory document.
			fmt.Fprintf(os.Stderr, "config: could not write migration backup %s: %v\n", backupPath, err)
		}
		if err := Save(path, doc); err != nil {
			return nil, fmt.Errorf("config: save migrated document to %s: %w", path, err)
		}
	}

	doc.applyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}

	return doc, nil
}

// Save writes doc to path as indented JSON.
func Save(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode document: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (d *Document) applyDefaults() {
	if d.Version == 0 {
		d.Version = currentVersion
	}
}

// Validate checks schema-level well-formedness: UUID shapes, per-hub
// channel-id duplication, channel-width bounds, and per-hub DMX slot-range
// overlap across channels. It does not contact any hub.
func (d *Document) Validate() error {
	if d.Version != currentVersion {
		return fmt.Errorf("config: unsupported document version %d", d.Version)
	}
	if len(d.Hubs) == 0 {
		return fmt.Errorf("config: no hubs defined")
	}

	seenIDs := make(map[string]bool)
	for _, h := range d.Hubs {
		if h.ID == "" {
			return fmt.Errorf("config: hub missing id")
		}
		if seenIDs[h.ID] {
			return fmt.Errorf("config: duplicate hub id %q", h.ID)
		}
		seenIDs[h.ID] = true

		if h.EntertainmentConfigurationID != "" {
			if _, err := uuid.Parse(h.EntertainmentConfigurationID); err != nil {
				return fmt.Errorf("config: hub %q: entertainmentConfigurationId is not a valid UUID: %w", h.ID, err)
			}
		}

		if len(h.Channels) == 0 {
			return fmt.Errorf("config: hub %q has no channels", h.ID)
		}

		if err := validateChannelRanges(h); err != nil {
			return err
		}
	}

	return nil
}

// validateChannelRanges checks that every channel in h has a recognized
// mode, a DMX slot range within 1..512, a unique channel id, and a slot
// range that does not overlap any other channel's on the same hub.
func validateChannelRanges(h HubEntry) error {
	usedChannelIDs := make(map[uint8]bool, len(h.Channels))
	usedSlots := make(map[int]uint8, len(h.Channels))

	for _, ch := range h.Channels {
		if usedChannelIDs[ch.ChannelID] {
			return fmt.Errorf("config: hub %q: channel id %d used more than once", h.ID, ch.ChannelID)
		}
		usedChannelIDs[ch.ChannelID] = true

		width := channelmap.Width(channelmap.Mode(ch.ChannelMode))
		if width == 0 {
			return fmt.Errorf("config: hub %q: channel %d: unknown channel mode %q", h.ID, ch.ChannelID, ch.ChannelMode)
		}
		if ch.DMXStart < 1 || ch.DMXStart+width-1 > 512 {
			return fmt.Errorf("config: hub %q: channel %d: dmxStart %d with mode %q exceeds the 512-slot universe", h.ID, ch.ChannelID, ch.DMXStart, ch.ChannelMode)
		}

		for slot := ch.DMXStart; slot <= ch.DMXStart+width-1; slot++ {
			if owner, ok := usedSlots[slot]; ok {
				return fmt.Errorf("config: hub %q: channel %d overlaps channel %d at dmx slot %d", h.ID, ch.ChannelID, owner, slot)
			}
			usedSlots[slot] = ch.ChannelID
		}
	}

	return nil
}

// migrate upgrades raw from fromVersion to the current document version. It
// reports whether any migration ran.
func migrate(raw []byte, fromVersion int) (*Document, bool, error) {
	switch fromVersion {
	case currentVersion:
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, false, err
		}
		return &doc, false, nil

	case 2:
		doc, err := migrateV2(raw)
		if err != nil {
			return nil, false, err
		}
		return doc, true, nil

	case 0, 1:
		v2, err := migrateV1ToV2(raw)
		if err != nil {
			return nil, false, err
		}
		doc, err := migrateV2Document(v2)
		if err != nil {
			return nil, false, err
		}
		return doc, true, nil

	default:
		return nil, false, fmt.Errorf("unsupported document version %d", fromVersion)
	}
}

// v2Document mirrors the v2 on-disk shape, keyed by lightId and
// entertainmentRoomId rather than channelId/entertainmentConfigurationId.
type v2Document struct {
	Version int `json:"version"`
	ArtNet  struct {
		BindIP string `json:"bindIp"`
	} `json:"artnet"`
	Hubs []struct {
		ID                   string `json:"id"`
		Name                 string `json:"name"`
		Host                 string `json:"host"`
		Username             string `json:"username"`
		ClientKey            string `json:"clientKey"`
		EntertainmentRoomID  string `json:"entertainmentRoomId"`
		ArtNetUniverse       int    `json:"artNetUniverse"`
		Channels             []struct {
			LightID     string `json:"lightId"`
			DMXStart    int    `json:"dmxStart"`
			ChannelMode string `json:"channelMode"`
		} `json:"channels"`
	} `json:"hubs"`
}

func migrateV2(raw []byte) (*Document, error) {
	var v2 v2Document
	if err := json.Unmarshal(raw, &v2); err != nil {
		return nil, err
	}
	return migrateV2Document(&v2)
}

// migrateV2Document maps lightId -> channelId where numerically parseable,
// and preserves UUID-shaped room ids as the entertainment configuration id,
// per spec: non-numeric light ids and non-UUID room ids are dropped rather
// than guessed at.
func migrateV2Document(v2 *v2Document) (*Document, error) {
	doc := &Document{
		Version: currentVersion,
		ArtNet:  ArtNet{BindIP: v2.ArtNet.BindIP},
	}

	for _, h := range v2.Hubs {
		entry := HubEntry{
			ID:             h.ID,
			Name:           h.Name,
			Host:           h.Host,
			Username:       h.Username,
			ClientKey:      h.ClientKey,
			ArtNetUniverse: h.ArtNetUniverse,
		}
		if _, err := uuid.Parse(h.EntertainmentRoomID); err == nil {
			entry.EntertainmentConfigurationID = h.EntertainmentRoomID
		}

		for _, ch := range h.Channels {
			channelID, err := strconv.Atoi(ch.LightID)
			if err != nil {
				continue // non-numeric light id: not representable as a channel id, dropped.
			}
			entry.Channels = append(entry.Channels, ChannelEntry{
				ChannelID:   uint8(channelID),
				DMXStart:    ch.DMXStart,
				ChannelMode: ch.ChannelMode,
			})
		}

		doc.Hubs = append(doc.Hubs, entry)
	}

	return doc, nil
}

// v1Document is the legacy flat, single-hub shape.
type v1Document struct {
	Host                         string `json:"host"`
	Username                     string `json:"username"`
	ClientKey                    string `json:"clientKey"`
	EntertainmentConfigurationID string `json:"entertainmentConfigurationId"`
	ArtNetUniverse               int    `json:"artNetUniverse"`
	ArtNetBindIP                 string `json:"artNetBindIp"`
	Channels                     []ChannelEntry `json:"channels"`
}

// migrateV1ToV2 wraps a flat v1 document into the v2 shape so it can flow
// through migrateV2Document's UUID/channel handling uniformly.
func migrateV1ToV2(raw []byte) (*v2Document, error) {
	var v1 v1Document
	if err := json.Unmarshal(raw, &v1); err != nil {
		return nil, err
	}

	v2 := &v2Document{Version: 2}
	v2.ArtNet.BindIP = v1.ArtNetBindIP

	hub := struct {
		ID                  string `json:"id"`
		Name                string `json:"name"`
		Host                string `json:"host"`
		Username            string `json:"username"`
		ClientKey           string `json:"clientKey"`
		EntertainmentRoomID string `json:"entertainmentRoomId"`
		ArtNetUniverse      int    `json:"artNetUniverse"`
		Channels            []struct {
			LightID     string `json:"lightId"`
			DMXStart    int    `json:"dmxStart"`
			ChannelMode string `json:"channelMode"`
		} `json:"channels"`
	}{
		ID:                  "hub-1",
		Host:                v1.Host,
		Username:            v1.Username,
		ClientKey:           v1.ClientKey,
		EntertainmentRoomID: v1.EntertainmentConfigurationID,
		ArtNetUniverse:      v1.ArtNetUniverse,
	}
	for _, ch := range v1.Channels {
		hub.Channels = append(hub.Channels, struct {
			LightID     string `json:"lightId"`
			DMXStart    int    `json:"dmxStart"`
			ChannelMode string `json:"channelMode"`
		}{
			LightID:     strconv.Itoa(int(ch.ChannelID)),
			DMXStart:    ch.DMXStart,
			ChannelMode: ch.ChannelMode,
		})
	}
	v2.Hubs = append(v2.Hubs, hub)

	return v2, nil
}
