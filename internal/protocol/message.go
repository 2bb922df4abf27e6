// Package protocol defines the WebSocket message types for the aggregator
// live feed, shared by the server hub and the watch client.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sonotrack/go-tdoa/internal/geo"
)

// MessageType identifies the type of feed message.
type MessageType string

const (
	// Server to client messages
	TypeEvent MessageType = "event" // a receiver report was accepted
	TypeLocus MessageType = "locus" // a pairwise locus was computed
	TypeRound MessageType = "round" // the aggregation round completed

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all feed messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct.
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// EventData mirrors an accepted receiver report.
type EventData struct {
	Hostname string  `json:"hostname"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Time     int64   `json:"time"`
}

// LocusData carries one computed pairwise locus.
type LocusData struct {
	Pair   string           `json:"pair"`
	DeltaT float64          `json:"delta_t"`
	Speed  float64          `json:"speed"`
	Points []geo.Coordinate `json:"points"`
}

// RoundData summarizes a completed round.
type RoundData struct {
	RoundID   string   `json:"round_id"`
	Receivers []string `json:"receivers"`
	Loci      int      `json:"loci"`
	Skipped   int      `json:"skipped"`
	MapPath   string   `json:"map_path,omitempty"`
}

// GetEventData extracts event data from a message.
func (m *Message) GetEventData() (*EventData, error) {
	var data EventData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetLocusData extracts locus data from a message.
func (m *Message) GetLocusData() (*LocusData, error) {
	var data LocusData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetRoundData extracts round data from a message.
func (m *Message) GetRoundData() (*RoundData, error) {
	var data RoundData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
