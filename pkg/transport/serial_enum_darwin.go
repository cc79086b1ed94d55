package transport

import (
	"context"
	"fmt"

	"github.com/albenik/go-serial/v2"
)

// The detailed enumerator needs cgo on darwin; fall back to port names.
func (serialDriver) Discover(ctx context.Context) ([]InterfaceInfo, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial discovery: %w", err)
	}

	var results []InterfaceInfo
	for _, port := range ports {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, InterfaceInfo{
			Kind:        InterfaceKindSerial,
			ProbeID:     "serial:" + port,
			Description: port,
			Path:        port,
		})
	}
	return results, nil
}
