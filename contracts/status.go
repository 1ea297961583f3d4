package contracts

import "fmt"

// Status is the outcome tag carried by every search response.
type Status string

const (
	StatusOK                  Status = "OK"
	StatusServiceNotAvailable Status = "SERVICE_NOT_AVAILABLE"
	StatusParseError          Status = "PARSE_ERROR"
	StatusQueryError          Status = "QUERY_ERROR"
)

// IsOK reports whether the status carries a payload.
func (s Status) IsOK() bool {
	return s == StatusOK
}

// Valid reports whether s is one of the known status codes.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusServiceNotAvailable, StatusParseError, StatusQueryError:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus converts a wire value into a Status. An empty value is OK,
// which is how the legacy spell-check replies are encoded.
func ParseStatus(value string) (Status, error) {
	if value == "" {
		return StatusOK, nil
	}
	s := Status(value)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, value)
	}
	return s, nil
}
