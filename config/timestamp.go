package config

import "time"

// TimestampGenerator stamps outbound webhook payloads. The real one reads the
// wall clock; tests swap in a fixed value so payloads compare stably.
type TimestampGenerator interface {
	GetTimestampUTC() int64
}

type RealTimestampGenerator struct{}

func (t RealTimestampGenerator) GetTimestampUTC() int64 {
	return time.Now().Unix()
}

// FixedTimestampGenerator always returns Timestamp. Test use only.
type FixedTimestampGenerator struct {
	Timestamp int64
}

func (t FixedTimestampGenerator) GetTimestampUTC() int64 {
	return t.Timestamp
}
