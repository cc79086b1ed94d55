//go:build !darwin

package transport

import (
	"context"
	"fmt"
	"strconv"

	"github.com/albenik/go-serial/v2/enumerator"
)

func (serialDriver) Discover(ctx context.Context) ([]InterfaceInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial discovery: %w", err)
	}

	var results []InterfaceInfo
	for _, port := range ports {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		if !port.IsUSB {
			continue
		}
		vid, _ := strconv.ParseUint(port.VID, 16, 16)
		pid, _ := strconv.ParseUint(port.PID, 16, 16)
		desc := port.Product
		if desc == "" {
			desc = port.Name
		}
		results = append(results, InterfaceInfo{
			Kind:        InterfaceKindSerial,
			ProbeID:     "serial:" + port.Name,
			Description: desc,
			VendorID:    uint16(vid),
			ProductID:   uint16(pid),
			Serial:      port.SerialNumber,
			Path:        port.Name,
		})
	}
	return results, nil
}
