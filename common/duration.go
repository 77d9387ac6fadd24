package common

import (
	"fmt"
	"time"
)

type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string ("2s", "150ms") or a
// bare number, interpreted as milliseconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Numbers are tried first: yaml.v3 also decodes a bare number into a
	// string, which would then fail ParseDuration for lack of a unit.
	var intValue int64
	if err := unmarshal(&intValue); err == nil {
		*d = Duration(time.Duration(intValue) * time.Millisecond)
		return nil
	}
	var floatValue float64
	if err := unmarshal(&floatValue); err == nil {
		*d = Duration(time.Duration(floatValue) * time.Millisecond)
		return nil
	}
	var stringValue string
	if err := unmarshal(&stringValue); err == nil {
		duration, err := time.ParseDuration(stringValue)
		if err != nil {
			return fmt.Errorf("invalid interval/duration format: %v", err)
		}
		*d = Duration(duration)
		return nil
	}

	return fmt.Errorf("cannot unmarshal duration value")
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return SonicCfg.Marshal(time.Duration(d).String())
}
