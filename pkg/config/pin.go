package config

import "dacctl/pkg/spi"

// GetPin returns a bus pin written as "P<port>.<pin>". "none" yields the
// zero Pin.
func (s *Section) GetPin(option string, fallback ...spi.Pin) (spi.Pin, error) {
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return spi.Pin{}, ErrMissingOption(s.name, option)
	}
	pin, err := spi.ParsePin(v)
	if err != nil {
		return spi.Pin{}, WrapError(s.name, option, err)
	}
	return pin, nil
}
