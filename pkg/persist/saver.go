package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gocarina/gocsv"
)

// Saver stores a dataset under key, replacing what was there. Save either fully succeeds or
// returns an error.
type Saver interface {
	Save(ctx context.Context, value interface{}, key string) error
}

// Encode renders value for key: raw bytes as-is, keys ending in .csv through gocsv (value must
// be a slice of tagged structs), anything else as indented JSON.
func Encode(value interface{}, key string) ([]byte, error) {
	if raw, ok := value.([]byte); ok {
		return raw, nil
	}
	if strings.HasSuffix(strings.ToLower(key), ".csv") {
		out, err := gocsv.MarshalBytes(value)
		if err != nil {
			return nil, fmt.Errorf("could not encode %s as csv: %w", key, err)
		}
		return out, nil
	}
	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("could not encode %s as json: %w", key, err)
	}
	return out, nil
}

// Multi saves to every saver in order and returns the first error after trying them all.
type Multi []Saver

func (m Multi) Save(ctx context.Context, value interface{}, key string) error {
	var first error
	for _, s := range m {
		if err := s.Save(ctx, value, key); err != nil && first == nil {
			first = err
		}
	}
	return first
}
