// Package contract handles market ticker parsing and validation. Every
// market is identified by a ticker binding a season to one participant.
package contract

import (
	"errors"
	"fmt"
	"regexp"
)

// tickerRegex matches: WIN-{seasonID}-{participantID}
// Example: WIN-S2026-NOVA
var tickerRegex = regexp.MustCompile(`^WIN-([A-Z0-9]+)-([A-Z0-9]+)$`)

var (
	ErrInvalidTicker = errors.New("contract: invalid ticker format")
)

// Contract is a parsed market ticker.
type Contract struct {
	Ticker        string `json:"ticker"`
	SeasonID      string `json:"season_id"`
	ParticipantID string `json:"participant_id"`
}

// Ticker builds the canonical ticker for a (season, participant) pair.
func Ticker(seasonID, participantID string) string {
	return fmt.Sprintf("WIN-%s-%s", seasonID, participantID)
}

// ParseTicker parses and validates a market ticker string.
// Format: WIN-{seasonID}-{participantID}
func ParseTicker(ticker string) (*Contract, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected WIN-{season}-{participant})",
			ErrInvalidTicker, ticker)
	}

	return &Contract{
		Ticker:        ticker,
		SeasonID:      matches[1],
		ParticipantID: matches[2],
	}, nil
}
