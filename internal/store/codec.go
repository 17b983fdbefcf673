package store

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/joescharf/thinkflow/internal/models"
)

// api is configured to match encoding/json output so sizes and stored
// snapshots are stable across platforms.
var api = sonic.ConfigStd

// EncodeSession serializes a session snapshot.
func EncodeSession(s *models.Session) ([]byte, error) {
	data, err := api.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

// DecodeSession parses a session snapshot.
func DecodeSession(data []byte) (*models.Session, error) {
	var s models.Session
	if err := api.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func EncodeGroup(g *models.ParallelSessionGroup) ([]byte, error) {
	data, err := api.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode group %s: %w", g.GroupID, err)
	}
	return data, nil
}

func DecodeGroup(data []byte) (*models.ParallelSessionGroup, error) {
	var g models.ParallelSessionGroup
	if err := api.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode group: %w", err)
	}
	return &g, nil
}

// SessionSize returns the serialized size of s in bytes. SizeBytes itself is
// excluded so the estimate does not depend on its previous value.
func SessionSize(s *models.Session) (int64, error) {
	c := *s
	c.SizeBytes = 0
	data, err := api.Marshal(&c)
	if err != nil {
		return 0, fmt.Errorf("size session %s: %w", s.ID, err)
	}
	return int64(len(data)), nil
}
